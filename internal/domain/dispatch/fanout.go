package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/resqnet/resqnet/internal/platform/metrics"
)

const DefaultFanOutConcurrency = 8

type FanOutResult struct {
	Created    int
	Duplicates int
	Failed     int
	// Notified lists the hospitals that got a new row.
	Notified []uuid.UUID
	Err      error
}

// FanOut records one notification per candidate. Inserts are independent:
// a failed insert is logged and counted and never undoes the others.
type FanOut struct {
	notifications NotificationRepository
	concurrency   int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

func NewFanOut(notifications NotificationRepository, concurrency int, logger zerolog.Logger, m *metrics.Metrics) *FanOut {
	if concurrency <= 0 {
		concurrency = DefaultFanOutConcurrency
	}
	return &FanOut{notifications: notifications, concurrency: concurrency, logger: logger, metrics: m}
}

// Notify inserts the notification rows for candidates. An empty candidate
// list is not an error.
func (f *FanOut) Notify(ctx context.Context, emergencyID uuid.UUID, candidates []Candidate, now time.Time) FanOutResult {
	var (
		res  FanOutResult
		mu   sync.Mutex
		errs []error
	)
	if len(candidates) == 0 {
		return res
	}

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			created, err := f.notifications.Create(ctx, &EmergencyNotification{
				ID:          uuid.New(),
				EmergencyID: emergencyID,
				HospitalID:  c.HospitalID,
				DistanceKm:  c.DistanceKm,
				NotifiedAt:  now,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				errs = append(errs, fmt.Errorf("notify hospital %s: %w", c.HospitalID, err))
			case created:
				res.Created++
				res.Notified = append(res.Notified, c.HospitalID)
			default:
				res.Duplicates++
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Err = errors.Join(errs...)
	f.metrics.Notifications("created", res.Created)
	f.metrics.Notifications("duplicate", res.Duplicates)
	f.metrics.Notifications("failed", res.Failed)
	if res.Failed > 0 {
		f.logger.Warn().Err(res.Err).
			Str("emergency_id", emergencyID.String()).
			Int("created", res.Created).
			Int("failed", res.Failed).
			Msg("notification fan-out partially failed")
	}
	return res
}
