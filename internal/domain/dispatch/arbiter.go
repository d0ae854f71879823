package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/internal/platform/metrics"
	"github.com/resqnet/resqnet/pkg/geo"
)

// Arbiter decides which hospital claims an emergency. Among concurrent
// acknowledgments exactly one wins: the first whose conditional write
// commits.
type Arbiter struct {
	emergencies   EmergencyRepository
	notifications NotificationRepository
	hospitals     HospitalDirectory
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewArbiter(emergencies EmergencyRepository, notifications NotificationRepository, hospitals HospitalDirectory, logger zerolog.Logger, m *metrics.Metrics) *Arbiter {
	return &Arbiter{
		emergencies:   emergencies,
		notifications: notifications,
		hospitals:     hospitals,
		logger:        logger,
		metrics:       m,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Acknowledge assigns the emergency to hospitalID if it is still pending.
//
// Errors: ErrNotFound for an unknown emergency or hospital, a *ConflictError
// once another hospital holds the emergency, ErrStore for storage failures.
func (a *Arbiter) Acknowledge(ctx context.Context, emergencyID, hospitalID uuid.UUID) (*Emergency, error) {
	e, err := a.acknowledge(ctx, emergencyID, hospitalID)
	a.metrics.Acknowledgement(ackOutcome(err))
	return e, err
}

func (a *Arbiter) acknowledge(ctx context.Context, emergencyID, hospitalID uuid.UUID) (*Emergency, error) {
	current, err := a.emergencies.GetByID(ctx, emergencyID)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("emergency")
	}
	if err != nil {
		return nil, storeErr("load emergency", err)
	}
	if current.Status != StatusPending {
		return nil, conflictFrom(current)
	}

	h, err := a.hospitals.GetByID(ctx, hospitalID)
	if errors.Is(err, hospital.ErrNotFound) {
		return nil, notFound("hospital")
	}
	if err != nil {
		return nil, storeErr("load hospital", err)
	}

	now := a.now()
	won, ok, err := a.emergencies.ClaimPending(ctx, emergencyID, Assignment{
		HospitalID: h.ID,
		Name:       h.Name,
		Latitude:   h.Latitude,
		Longitude:  h.Longitude,
		At:         now,
	})
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("emergency")
	}
	if err != nil {
		return nil, storeErr("claim emergency", err)
	}
	if !ok {
		// Lost the race between our read and the conditional write.
		latest, err := a.emergencies.GetByID(ctx, emergencyID)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, notFound("emergency")
		case err != nil:
			return nil, &ConflictError{Status: StatusAcknowledged}
		}
		return nil, conflictFrom(latest)
	}

	// The claim has committed; losing the caller now must not leave the
	// notification rows half resolved.
	a.resolveNotifications(context.WithoutCancel(ctx), won, h, now)

	a.logger.Info().
		Str("emergency_id", emergencyID.String()).
		Str("hospital_id", h.ID.String()).
		Str("hospital_name", h.Name).
		Msg("emergency acknowledged")
	return won, nil
}

// resolveNotifications marks the winner approved and everyone else timed
// out. A winner that was never notified gets an approved row of its own.
// Failures are only logged since the assignment is already final.
func (a *Arbiter) resolveNotifications(ctx context.Context, e *Emergency, h *hospital.Hospital, now time.Time) {
	log := a.logger.With().Str("emergency_id", e.ID.String()).Str("hospital_id", h.ID.String()).Logger()

	updated, err := a.notifications.MarkApproved(ctx, e.ID, h.ID, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to approve winning notification")
	} else if !updated {
		approved := ResponseApproved
		respondedAt := now
		if _, err := a.notifications.Create(ctx, &EmergencyNotification{
			ID:           uuid.New(),
			EmergencyID:  e.ID,
			HospitalID:   h.ID,
			DistanceKm:   geo.Distance(e.Latitude, e.Longitude, h.Latitude, h.Longitude),
			NotifiedAt:   now,
			RespondedAt:  &respondedAt,
			ResponseType: &approved,
		}); err != nil {
			log.Error().Err(err).Msg("failed to record winning notification")
		}
	}

	n, err := a.notifications.MarkTimedOut(ctx, e.ID, h.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to time out losing notifications")
		return
	}
	log.Debug().Int64("timed_out", n).Msg("losing notifications timed out")
}

func ackOutcome(err error) string {
	switch {
	case err == nil:
		return "won"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
