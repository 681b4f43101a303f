package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Check is a named dependency probe reported by HealthHandler.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// runChecks pings every dependency and reports "ok" or the error text.
func runChecks(ctx context.Context, checks []Check) (map[string]string, bool) {
	results := make(map[string]string, len(checks))
	healthy := true
	for _, c := range checks {
		if err := c.Ping(ctx); err != nil {
			results[c.Name] = err.Error()
			healthy = false
			continue
		}
		results[c.Name] = "ok"
	}
	return results, healthy
}

// HealthHandler pings the database plus any extra dependencies (the
// idempotency store, for instance) and reports pool statistics.
func HealthHandler(pool *pgxpool.Pool, extra ...Check) echo.HandlerFunc {
	checks := append([]Check{{Name: "postgres", Ping: pool.Ping}}, extra...)
	return healthHandler(checks, func() *PoolStats { return GetPoolStats(pool) })
}

func healthHandler(checks []Check, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		results, healthy := runChecks(ctx, checks)
		body := map[string]interface{}{"checks": results}
		if stats != nil {
			s := stats()
			s.Healthy = s.Healthy && healthy
			body["pool"] = s
		}

		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
