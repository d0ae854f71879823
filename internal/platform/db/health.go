package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the subset of pgxpool statistics worth watching during an
// incident: saturation shows up as empty or canceled acquires.
type PoolStats struct {
	Total              int32   `json:"total"`
	Idle               int32   `json:"idle"`
	Acquired           int32   `json:"acquired"`
	Constructing       int32   `json:"constructing"`
	Max                int32   `json:"max"`
	EmptyAcquires      int64   `json:"empty_acquires"`
	CanceledAcquires   int64   `json:"canceled_acquires"`
	AcquireDurationSec float64 `json:"acquire_duration_seconds"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	st := pool.Stat()
	return PoolStats{
		Total:              st.TotalConns(),
		Idle:               st.IdleConns(),
		Acquired:           st.AcquiredConns(),
		Constructing:       st.ConstructingConns(),
		Max:                st.MaxConns(),
		EmptyAcquires:      st.EmptyAcquireCount(),
		CanceledAcquires:   st.CanceledAcquireCount(),
		AcquireDurationSec: st.AcquireDuration().Seconds(),
	}
}

// Pinger is anything that can report store liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreName labels the backing store in health responses.
type StoreName string

// HealthHandler returns the /health/db handler. Pool statistics are included
// when p is a pgx pool; the in-memory store reports only its name.
func HealthHandler(store StoreName, p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{"store": string(store)}
		err := p.Ping(ctx)
		if pool, ok := p.(*pgxpool.Pool); ok {
			body["pool"] = poolStats(pool)
		}

		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
