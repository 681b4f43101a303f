package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema                string        `mapstructure:"DB_SCHEMA"`
	RedisURL                string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL          time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	AuthIssuer              string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience            string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL             string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey          string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RangeTieBreak           string        `mapstructure:"RANGE_TIE_BREAK"`
	DirectoryBreakerEnabled bool          `mapstructure:"DIRECTORY_BREAKER_ENABLED"`
	DirectoryBreakerTimeout time.Duration `mapstructure:"DIRECTORY_BREAKER_TIMEOUT"`
	MigrationsDir           string        `mapstructure:"MIGRATIONS_DIR"`
	BodyLimit               string        `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit          string        `mapstructure:"BATCH_BODY_LIMIT"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"DB_SCHEMA",
	"REDIS_URL",
	"IDEMPOTENCY_TTL",
	"AUTH_ISSUER",
	"AUTH_AUDIENCE",
	"AUTH_JWKS_URL",
	"AUTH_SIGNING_KEY",
	"CORS_ORIGINS",
	"RANGE_TIE_BREAK",
	"DIRECTORY_BREAKER_ENABLED",
	"DIRECTORY_BREAKER_TIMEOUT",
	"MIGRATIONS_DIR",
	"BODY_LIMIT",
	"BATCH_BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RANGE_TIE_BREAK", "first")
	v.SetDefault("DIRECTORY_BREAKER_ENABLED", true)
	v.SetDefault("DIRECTORY_BREAKER_TIMEOUT", "30s")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BATCH_BODY_LIMIT", "8M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	origins := v.GetString("CORS_ORIGINS")
	if origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside
// development AUTH_ISSUER must be set so that real JWT authentication is
// enforced, and production refuses the shared signing key.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("ENV must be one of development, test, staging, production; got %q", c.Env)
	}

	if !c.IsDev() {
		if c.AuthIssuer == "" {
			return fmt.Errorf(
				"AUTH_ISSUER must be set when ENV=%q. "+
					"Refusing to start without authentication configuration", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development and testing only; use AUTH_JWKS_URL in production")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.RangeTieBreak)) {
	case "", "first", "most-specific":
	default:
		return fmt.Errorf("RANGE_TIE_BREAK must be \"first\" or \"most-specific\", got %q", c.RangeTieBreak)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DirectoryBreakerEnabled && c.DirectoryBreakerTimeout <= 0 {
		return fmt.Errorf("DIRECTORY_BREAKER_TIMEOUT must be positive, got %s", c.DirectoryBreakerTimeout)
	}
	if c.IdempotencyTTL < 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must not be negative, got %s", c.IdempotencyTTL)
	}
	return nil
}
