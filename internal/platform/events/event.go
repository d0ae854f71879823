// Package events fans dispatch domain events out to the live channels:
// WebSocket dashboards, a Redis stream, an MQTT broker and an outbound
// webhook.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/resqnet/resqnet/internal/platform/metrics"
)

type Type string

const (
	EmergencyCreated       Type = "emergency.created"
	EmergencyAcknowledged  Type = "emergency.acknowledged"
	EmergencyStatusChanged Type = "emergency.status_changed"
	EmergencyEscalated     Type = "emergency.escalated"
)

// Event is one change to an emergency. HospitalIDs lists the hospitals the
// change is addressed to, if any.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        Type            `json:"type"`
	EmergencyID uuid.UUID       `json:"emergency_id"`
	HospitalIDs []uuid.UUID     `json:"hospital_ids,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// New builds an event with payload marshaled into Data.
func New(t Type, emergencyID uuid.UUID, hospitalIDs []uuid.UUID, payload any) (Event, error) {
	ev := Event{
		ID:          uuid.New(),
		Type:        t,
		EmergencyID: emergencyID,
		HospitalIDs: hospitalIDs,
		Timestamp:   time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return ev, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		ev.Data = data
	}
	return ev, nil
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Sink is a named Publisher.
type Sink interface {
	Publisher
	Name() string
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi delivers each event to every sink. A failing sink is logged and
// counted but does not stop delivery to the rest.
type Multi struct {
	sinks   []Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewMulti(logger zerolog.Logger, m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{
		sinks:   sinks,
		logger:  logger.With().Str("component", "events").Logger(),
		metrics: m,
	}
}

func (p *Multi) Len() int { return len(p.sinks) }

func (p *Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range p.sinks {
		err := s.Publish(ctx, ev)
		p.metrics.EventPublished(s.Name(), err)
		if err != nil {
			p.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Str("event", string(ev.Type)).
				Str("emergency_id", ev.EmergencyID.String()).
				Msg("event delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
