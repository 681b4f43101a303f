package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"

	"github.com/ehr/labresults/internal/config"
	"github.com/ehr/labresults/internal/domain/labresult"
	"github.com/ehr/labresults/internal/platform/auth"
	"github.com/ehr/labresults/internal/platform/catalog"
	"github.com/ehr/labresults/internal/platform/db"
	"github.com/ehr/labresults/internal/platform/idempotency"
	"github.com/ehr/labresults/internal/platform/middleware"
)

var errBatchRejected = errors.New("batch rejected")

func main() {
	rootCmd := &cobra.Command{
		Use:          "lab-server",
		Short:        "Lab result normalization and interpretation service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(processCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the lab API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir := migrationsDir(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir, cfg.DBSchema)
			fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir := migrationsDir(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir, cfg.DBSchema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
			writeStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func writeStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load test mappings and reference ranges from a YAML catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, os.Stderr)

			cat, err := catalog.Load(file)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			seeder := catalog.NewSeeder(catalog.PoolTx(pool),
				labresult.NewTestMappingRepoPG(pool), labresult.NewReferenceRangeRepoPG(pool), logger)
			res, err := seeder.Apply(ctx, cat)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Printf("Seeded %d mapping(s) and %d range(s) across %d code(s).\n", res.Mappings, res.Ranges, res.Codes)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the YAML catalog")
	return cmd
}

type processOptions struct {
	File     string
	Catalog  string
	DryRun   bool
	TieBreak string
}

func processCmd() *cobra.Command {
	var opts processOptions
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one batch file through the pipeline and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.File == "" {
				return fmt.Errorf("--file is required")
			}
			return runProcess(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.File, "file", "", "Path to the batch JSON")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "Resolve against a YAML catalog instead of the database (implies --dry-run)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Evaluate without committing")
	cmd.Flags().StringVar(&opts.TieBreak, "tie-break", "", "Range tie-break policy (default RANGE_TIE_BREAK)")
	return cmd
}

func runProcess(ctx context.Context, opts processOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	batch, err := readBatch(opts.File)
	if err != nil {
		return err
	}

	var (
		mappings labresult.MappingDirectory
		ranges   labresult.ReferenceRangeDirectory
		sink     labresult.ResultSink = discardSink{}
		policy   = opts.TieBreak
		logger   = zerolog.Nop()
	)

	if opts.Catalog != "" {
		cat, err := catalog.Load(opts.Catalog)
		if err != nil {
			return err
		}
		mappings, ranges = cat, cat
	} else {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if policy == "" {
			policy = cfg.RangeTieBreak
		}
		logger = newLogger(cfg.Env, os.Stderr)
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return err
		}
		defer pool.Close()
		mappings = labresult.NewTestMappingRepoPG(pool)
		ranges = labresult.NewReferenceRangeRepoPG(pool)
		if !opts.DryRun {
			sink = labresult.NewPGResultSink(pool)
		}
	}

	tieBreak, err := labresult.ParseTieBreak(policy)
	if err != nil {
		return err
	}
	proc := labresult.NewProcessor(mappings, ranges, sink,
		labresult.WithTieBreak(tieBreak), labresult.WithLogger(logger))

	outcome, err := proc.Process(ctx, batch, labresult.BatchMetadata{SubmittedBy: "cli"})
	if err != nil {
		return err
	}
	if err := writeOutcome(out, outcome); err != nil {
		return err
	}
	if !outcome.Accepted() {
		return errBatchRejected
	}
	return nil
}

func readBatch(path string) (*labresult.Batch, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer f.Close()

	var batch labresult.Batch
	if err := json.NewDecoder(f).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if len(batch.Items) == 0 {
		return nil, fmt.Errorf("batch has no items")
	}
	return &batch, nil
}

func writeOutcome(w io.Writer, outcome *labresult.BatchOutcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}

// discardSink accepts every batch without recording it.
type discardSink struct{}

func (discardSink) Commit(context.Context, []labresult.ProcessedObservation, labresult.BatchMetadata) (*labresult.SinkHandle, error) {
	return nil, nil
}

func breakerSettings(cfg *config.Config) labresult.BreakerSettings {
	return labresult.BreakerSettings{Timeout: cfg.DirectoryBreakerTimeout}
}

func breakerCheck(name string, state func() gobreaker.State) db.Check {
	return db.Check{
		Name: name,
		Ping: func(context.Context) error {
			if s := state(); s == gobreaker.StateOpen {
				return fmt.Errorf("circuit %s", s)
			}
			return nil
		},
	}
}

// openIdempotencyStore prefers Redis and falls back to process memory.
func openIdempotencyStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (idempotency.Store, func()) {
	if cfg.RedisURL != "" {
		rs, err := idempotency.NewRedisStore(ctx, cfg.RedisURL, cfg.IdempotencyTTL)
		if err == nil {
			logger.Info().Msg("idempotency store: redis")
			return rs, func() { _ = rs.Close() }
		}
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory idempotency store")
	}
	ms := idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	return ms, ms.Stop
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger("", os.Stdout)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	tieBreak, err := labresult.ParseTieBreak(cfg.RangeTieBreak)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	// Directories, sink and pipeline
	mappingRepo := labresult.NewTestMappingRepoPG(pool)
	rangeRepo := labresult.NewReferenceRangeRepoPG(pool)
	var (
		mappingDir labresult.MappingDirectory        = mappingRepo
		rangeDir   labresult.ReferenceRangeDirectory = rangeRepo
		checks     []db.Check
	)
	if cfg.DirectoryBreakerEnabled {
		bm := labresult.NewBreakingMappingDirectory(mappingRepo, breakerSettings(cfg), logger)
		br := labresult.NewBreakingRangeDirectory(rangeRepo, breakerSettings(cfg), logger)
		mappingDir, rangeDir = bm, br
		checks = append(checks,
			breakerCheck("mapping_directory", bm.State),
			breakerCheck("range_directory", br.State))
	}

	proc := labresult.NewProcessor(mappingDir, rangeDir, labresult.NewPGResultSink(pool),
		labresult.WithTieBreak(tieBreak),
		labresult.WithLogger(logger.With().Str("component", "pipeline").Logger()))
	svc := labresult.NewService(proc, mappingRepo, rangeRepo, labresult.NewLabReportRepoPG(pool))

	store, closeStore := openIdempotencyStore(ctx, cfg, logger)
	defer closeStore()
	checks = append(checks, db.Check{Name: "idempotency_store", Ping: store.Ping})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, idempotency.HeaderKey},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		var signingKey []byte
		if cfg.AuthSigningKey != "" {
			signingKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey,
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))

	// API
	apiV1 := e.Group("/api/v1")
	labresult.NewHandler(svc).RegisterRoutes(apiV1,
		idempotency.Middleware(store, logger.With().Str("component", "idempotency").Logger()))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("tie_break", string(tieBreak)).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
