package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/resqnet/resqnet/internal/platform/events"
	"github.com/resqnet/resqnet/internal/platform/metrics"
	"github.com/resqnet/resqnet/pkg/geo"
)

const (
	DefaultEscalationLimit = 20
	publishTimeout         = 3 * time.Second
)

type Config struct {
	DefaultRadiusKm   float64
	EscalationLimit   int
	FanOutConcurrency int
}

type CreateResult struct {
	Emergency             *Emergency
	NotifiedHospitalCount int
}

type EscalationResult struct {
	Emergency             *Emergency
	NotifiedHospitalCount int
}

// Service is the dispatch core: intake, notification, acknowledgment and
// the lifecycle updates that follow.
type Service struct {
	emergencies   EmergencyRepository
	notifications NotificationRepository
	resolver      *Resolver
	fanout        *FanOut
	arbiter       *Arbiter
	publisher     events.Publisher
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	cfg           Config
	now           func() time.Time
}

func NewService(emergencies EmergencyRepository, notifications NotificationRepository, hospitals HospitalDirectory,
	cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Service {
	if cfg.EscalationLimit <= 0 {
		cfg.EscalationLimit = DefaultEscalationLimit
	}
	logger = logger.With().Str("component", "dispatch").Logger()
	return &Service{
		emergencies:   emergencies,
		notifications: notifications,
		resolver:      NewResolver(hospitals, cfg.DefaultRadiusKm),
		fanout:        NewFanOut(notifications, cfg.FanOutConcurrency, logger, m),
		arbiter:       NewArbiter(emergencies, notifications, hospitals, logger, m),
		publisher:     events.Nop{},
		metrics:       m,
		logger:        logger,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher routes domain events to p.
func (s *Service) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	s.publisher = p
}

// CreateEmergency records a pending emergency and notifies its candidate
// hospitals. Failing to find or notify hospitals does not fail the
// request: the emergency is stored and the count reflects what was sent.
func (s *Service) CreateEmergency(ctx context.Context, in CreateEmergencyInput) (*CreateResult, error) {
	now := s.now()
	e, err := NewEmergency(in, now)
	if err != nil {
		return nil, err
	}
	if err := s.emergencies.Create(ctx, e); err != nil {
		return nil, storeErr("create emergency", err)
	}
	s.metrics.EmergencyCreated(e.EmergencyLevel)

	// The emergency exists now; notify even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With().Str("emergency_id", e.ID.String()).Logger()

	req := ResolveRequest{Latitude: e.Latitude, Longitude: e.Longitude, SelectedHospitalID: in.SelectedHospitalID}
	if in.RadiusKm != nil {
		req.RadiusKm = *in.RadiusKm
	}
	candidates, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("candidate resolution failed, emergency stored without notifications")
	}
	res := s.fanout.Notify(ctx, e.ID, candidates, now)
	if res.Created > 0 {
		s.settleLateNotifications(ctx, e.ID)
	}

	log.Info().
		Str("level", e.EmergencyLevel).
		Int("candidates", len(candidates)).
		Int("notified", res.Created).
		Bool("selected", in.SelectedHospitalID != nil).
		Msg("emergency created")

	s.publish(ctx, events.EmergencyCreated, e.ID, res.Notified, map[string]any{
		"emergency":               e,
		"notified_hospital_count": res.Created,
	})
	return &CreateResult{Emergency: e, NotifiedHospitalCount: res.Created}, nil
}

func (s *Service) GetEmergency(ctx context.Context, id uuid.UUID) (*Emergency, error) {
	e, err := s.emergencies.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("emergency")
	}
	if err != nil {
		return nil, storeErr("load emergency", err)
	}
	return e, nil
}

func (s *Service) ListEmergencies(ctx context.Context, f ListFilter, limit, offset int) ([]*Emergency, int, error) {
	if f.Status != nil && !f.Status.Valid() {
		verr := &ValidationError{}
		verr.add("status", "unknown status "+string(*f.Status))
		return nil, 0, verr
	}
	items, total, err := s.emergencies.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, storeErr("list emergencies", err)
	}
	return items, total, nil
}

// ListNotifications returns every notification row of an emergency,
// nearest hospital first.
func (s *Service) ListNotifications(ctx context.Context, emergencyID uuid.UUID) ([]*EmergencyNotification, error) {
	if _, err := s.GetEmergency(ctx, emergencyID); err != nil {
		return nil, err
	}
	items, err := s.notifications.ListByEmergency(ctx, emergencyID)
	if err != nil {
		return nil, storeErr("list notifications", err)
	}
	return items, nil
}

// ListPendingForHospital is a hospital's inbox: pending emergencies it was
// notified about.
func (s *Service) ListPendingForHospital(ctx context.Context, hospitalID uuid.UUID) ([]*InboxItem, error) {
	items, err := s.notifications.ListPendingForHospital(ctx, hospitalID)
	if err != nil {
		return nil, storeErr("list hospital inbox", err)
	}
	return items, nil
}

// MarkViewed stamps viewed_at on a notification addressed to hospitalID.
func (s *Service) MarkViewed(ctx context.Context, notificationID, hospitalID uuid.UUID) error {
	err := s.notifications.MarkViewed(ctx, notificationID, hospitalID, s.now())
	if errors.Is(err, ErrNotFound) {
		return notFound("notification")
	}
	if err != nil {
		return storeErr("mark notification viewed", err)
	}
	return nil
}

// Acknowledge claims the emergency for hospitalID. See Arbiter.Acknowledge.
func (s *Service) Acknowledge(ctx context.Context, emergencyID, hospitalID uuid.UUID) (*Emergency, error) {
	e, err := s.arbiter.Acknowledge(ctx, emergencyID, hospitalID)
	if err != nil {
		return nil, err
	}

	// Every notified hospital hears about it so losers drop the emergency
	// from their inbox.
	audience := []uuid.UUID{hospitalID}
	if ns, err := s.notifications.ListByEmergency(context.WithoutCancel(ctx), emergencyID); err == nil {
		for _, n := range ns {
			if n.HospitalID != hospitalID {
				audience = append(audience, n.HospitalID)
			}
		}
	}
	s.publish(ctx, events.EmergencyAcknowledged, e.ID, audience, e)
	return e, nil
}

// UpdateStatus applies the assigned hospital's changes. Only that hospital
// may write, and status only moves forward.
func (s *Service) UpdateStatus(ctx context.Context, id, hospitalID uuid.UUID, upd StatusUpdate) (*Emergency, error) {
	e, err := s.GetEmergency(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.AssignedHospitalID == nil || *e.AssignedHospitalID != hospitalID {
		return nil, fmt.Errorf("%w: only the assigned hospital may update this emergency", ErrForbidden)
	}

	now := s.now()
	prev := e.Status
	if upd.Status != nil && *upd.Status != e.Status {
		next := *upd.Status
		if !next.Valid() {
			verr := &ValidationError{}
			verr.add("status", "unknown status "+string(next))
			return nil, verr
		}
		if !e.Status.CanAdvanceTo(next) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, e.Status, next)
		}
		e.Status = next
		if next == StatusResolved && e.ResolvedAt == nil {
			e.ResolvedAt = &now
		}
	}
	if upd.AssignedAmbulanceNumber != nil {
		e.AssignedAmbulanceNumber = trimmed(upd.AssignedAmbulanceNumber)
	}
	if upd.DriverName != nil {
		e.DriverName = trimmed(upd.DriverName)
	}
	if upd.DriverPhone != nil {
		e.DriverPhone = trimmed(upd.DriverPhone)
	}
	if upd.AdminNotes != nil {
		e.AdminNotes = trimmed(upd.AdminNotes)
	}
	e.UpdatedAt = now

	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := s.emergencies.Update(ctx, e, prev); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, notFound("emergency")
		case errors.Is(err, ErrStatusChanged):
			return nil, fmt.Errorf("%w: %w since it was read as %s", ErrInvalidTransition, ErrStatusChanged, prev)
		}
		return nil, storeErr("update emergency", err)
	}

	if e.Status != prev {
		s.metrics.StatusUpdated(string(e.Status))
		s.logger.Info().
			Str("emergency_id", e.ID.String()).
			Str("from", string(prev)).
			Str("to", string(e.Status)).
			Msg("emergency status changed")
	}
	s.publish(ctx, events.EmergencyStatusChanged, e.ID, []uuid.UUID{hospitalID}, map[string]any{
		"emergency":       e,
		"previous_status": prev,
	})
	return e, nil
}

// AnnotateEmergency sets the administrator's notes without touching the
// lifecycle.
func (s *Service) AnnotateEmergency(ctx context.Context, id uuid.UUID, notes *string) (*Emergency, error) {
	e, err := s.emergencies.SetAdminNotes(ctx, id, trimmed(notes), s.now())
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("emergency")
	}
	if err != nil {
		return nil, storeErr("annotate emergency", err)
	}
	return e, nil
}

// Escalate widens a still-pending emergency to the nearest active
// hospitals that have not been notified yet, regardless of radius.
func (s *Service) Escalate(ctx context.Context, id uuid.UUID, limit int) (*EscalationResult, error) {
	e, err := s.GetEmergency(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, conflictFrom(e)
	}
	if limit <= 0 {
		limit = s.cfg.EscalationLimit
	}

	existing, err := s.notifications.ListByEmergency(ctx, id)
	if err != nil {
		return nil, storeErr("list notifications", err)
	}
	exclude := make(map[uuid.UUID]bool, len(existing))
	for _, n := range existing {
		exclude[n.HospitalID] = true
	}

	candidates, err := s.resolver.Nearest(ctx, e.Latitude, e.Longitude, limit, exclude)
	if err != nil {
		return nil, err
	}
	res := s.fanout.Notify(context.WithoutCancel(ctx), e.ID, candidates, s.now())
	if res.Created > 0 {
		s.settleLateNotifications(context.WithoutCancel(ctx), e.ID)
		s.metrics.Escalated()
		s.publish(ctx, events.EmergencyEscalated, e.ID, res.Notified, map[string]any{
			"emergency":               e,
			"notified_hospital_count": res.Created,
		})
	}
	s.logger.Info().
		Str("emergency_id", e.ID.String()).
		Int("already_notified", len(existing)).
		Int("notified", res.Created).
		Msg("emergency escalated")
	return &EscalationResult{Emergency: e, NotifiedHospitalCount: res.Created}, nil
}

// NearbyHospitals previews the candidates an emergency at the point would
// reach, capped at limit when limit > 0.
func (s *Service) NearbyHospitals(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	verr := &ValidationError{}
	if !geo.ValidLatitude(lat) {
		verr.add("lat", "must be between -90 and 90")
	}
	if !geo.ValidLongitude(lng) {
		verr.add("lng", "must be between -180 and 180")
	}
	if !validRadius(radiusKm) {
		verr.add("radius_km", "must be a finite non-negative number")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	cs, err := s.resolver.Resolve(ctx, ResolveRequest{Latitude: lat, Longitude: lng, RadiusKm: radiusKm})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(cs) > limit {
		cs = cs[:limit]
	}
	return cs, nil
}

// settleLateNotifications times out rows inserted after a hospital already
// claimed the emergency. The claim's own MarkTimedOut ran before they
// existed, so they would otherwise keep a null response_type.
func (s *Service) settleLateNotifications(ctx context.Context, id uuid.UUID) {
	e, err := s.emergencies.GetByID(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("emergency_id", id.String()).Msg("failed to re-read emergency after notifying")
		return
	}
	if e.Status == StatusPending || e.AssignedHospitalID == nil {
		return
	}
	n, err := s.notifications.MarkTimedOut(ctx, id, *e.AssignedHospitalID)
	if err != nil {
		s.logger.Error().Err(err).Str("emergency_id", id.String()).Msg("failed to time out late notifications")
		return
	}
	s.logger.Info().
		Str("emergency_id", id.String()).
		Int64("timed_out", n).
		Msg("emergency claimed while notifying, late notifications timed out")
}

func (s *Service) publish(ctx context.Context, t events.Type, emergencyID uuid.UUID, hospitals []uuid.UUID, payload any) {
	ev, err := events.New(t, emergencyID, hospitals, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(t)).Msg("failed to build event")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	// Sinks log their own failures.
	_ = s.publisher.Publish(ctx, ev)
}
