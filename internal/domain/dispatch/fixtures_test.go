package dispatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/internal/platform/events"
	"github.com/resqnet/resqnet/internal/platform/metrics"
	"github.com/resqnet/resqnet/pkg/geo"
)

var errBoom = errors.New("connection reset by peer")

func ptr[T any](v T) *T { return &v }

// northOf returns the latitude km kilometres north of lat along a meridian.
func northOf(lat, km float64) float64 {
	return lat + km/(geo.EarthRadiusKm*math.Pi/180)
}

type fixture struct {
	store     *MemStore
	hospitals hospital.Repository
	events    *recordingPublisher
	metrics   *metrics.Metrics
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemStore(),
		hospitals: hospital.NewMemRepo(),
		events:    &recordingPublisher{},
		metrics:   metrics.New(),
	}
	f.svc = NewService(f.store.Emergencies(), f.store.Notifications(), f.hospitals,
		Config{DefaultRadiusKm: 10}, zerolog.Nop(), f.metrics)
	f.svc.SetPublisher(f.events)
	return f
}

func (f *fixture) addHospital(t *testing.T, name string, lat, lng float64, active bool) *hospital.Hospital {
	t.Helper()
	h := &hospital.Hospital{Name: name, Latitude: lat, Longitude: lng, IsActive: active, Source: hospital.SourceManual}
	require.NoError(t, f.hospitals.Create(context.Background(), h))
	return h
}

func (f *fixture) createEmergency(t *testing.T, lat, lng float64) *CreateResult {
	t.Helper()
	res, err := f.svc.CreateEmergency(context.Background(), CreateEmergencyInput{
		Phone:     "+15550100",
		Latitude:  ptr(lat),
		Longitude: ptr(lng),
	})
	require.NoError(t, err)
	return res
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) last(t events.Type) (events.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == t {
			return p.events[i], true
		}
	}
	return events.Event{}, false
}

// failingDirectory fails every lookup.
type failingDirectory struct{}

func (failingDirectory) GetByID(context.Context, uuid.UUID) (*hospital.Hospital, error) {
	return nil, errBoom
}

func (failingDirectory) ListActive(context.Context) ([]*hospital.Hospital, error) {
	return nil, errBoom
}

// flakyNotifications fails inserts for the listed hospitals.
type flakyNotifications struct {
	NotificationRepository
	failFor map[uuid.UUID]bool
}

func (r flakyNotifications) Create(ctx context.Context, n *EmergencyNotification) (bool, error) {
	if r.failFor[n.HospitalID] {
		return false, errBoom
	}
	return r.NotificationRepository.Create(ctx, n)
}

// brokenEmergencies fails the chosen operations.
type brokenEmergencies struct {
	EmergencyRepository
	failGet, failClaim bool
}

func (r brokenEmergencies) GetByID(ctx context.Context, id uuid.UUID) (*Emergency, error) {
	if r.failGet {
		return nil, errBoom
	}
	return r.EmergencyRepository.GetByID(ctx, id)
}

func (r brokenEmergencies) ClaimPending(ctx context.Context, id uuid.UUID, a Assignment) (*Emergency, bool, error) {
	if r.failClaim {
		return nil, false, errBoom
	}
	return r.EmergencyRepository.ClaimPending(ctx, id, a)
}

// interleavedEmergencies runs before once, ahead of the first write that
// follows a read, so another writer can slip in between.
type interleavedEmergencies struct {
	EmergencyRepository
	once   *sync.Once
	before func()
}

func (r interleavedEmergencies) Update(ctx context.Context, e *Emergency, expected Status) error {
	r.once.Do(r.before)
	return r.EmergencyRepository.Update(ctx, e, expected)
}

func (r interleavedEmergencies) SetAdminNotes(ctx context.Context, id uuid.UUID, notes *string, at time.Time) (*Emergency, error) {
	r.once.Do(r.before)
	return r.EmergencyRepository.SetAdminNotes(ctx, id, notes, at)
}

// interleavedNotifications runs before once, ahead of the first listing or
// insert.
type interleavedNotifications struct {
	NotificationRepository
	once   *sync.Once
	before func()
}

func (r interleavedNotifications) ListByEmergency(ctx context.Context, emergencyID uuid.UUID) ([]*EmergencyNotification, error) {
	r.once.Do(r.before)
	return r.NotificationRepository.ListByEmergency(ctx, emergencyID)
}

func (r interleavedNotifications) Create(ctx context.Context, n *EmergencyNotification) (bool, error) {
	r.once.Do(r.before)
	return r.NotificationRepository.Create(ctx, n)
}

// serviceWith builds a second service over the fixture's store with the
// given repositories swapped in.
func (f *fixture) serviceWith(emergencies EmergencyRepository, notifications NotificationRepository) *Service {
	if emergencies == nil {
		emergencies = f.store.Emergencies()
	}
	if notifications == nil {
		notifications = f.store.Notifications()
	}
	return NewService(emergencies, notifications, f.hospitals, Config{DefaultRadiusKm: 10}, zerolog.Nop(), f.metrics)
}
