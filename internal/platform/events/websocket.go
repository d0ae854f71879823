package events

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/resqnet/resqnet/internal/platform/auth"
	"github.com/resqnet/resqnet/internal/platform/websocket"
)

// WebSocket topics.
const (
	TopicAll             = "emergencies"
	topicEmergencyPrefix = "emergency/"
	topicHospitalPrefix  = "hospital/"
)

func EmergencyTopic(id uuid.UUID) string { return topicEmergencyPrefix + id.String() }
func HospitalTopic(id uuid.UUID) string  { return topicHospitalPrefix + id.String() }

// Topics lists every topic ev is broadcast to.
func Topics(ev Event) []string {
	topics := []string{TopicAll, EmergencyTopic(ev.EmergencyID)}
	for _, h := range ev.HospitalIDs {
		topics = append(topics, HospitalTopic(h))
	}
	return topics
}

type WebSocketSink struct {
	hub *websocket.Hub
}

func NewWebSocketSink(hub *websocket.Hub) *WebSocketSink {
	return &WebSocketSink{hub: hub}
}

func (s *WebSocketSink) Name() string { return "websocket" }

func (s *WebSocketSink) Publish(_ context.Context, ev Event) error {
	frame := websocket.Event{
		ID:          ev.ID.String(),
		Type:        string(ev.Type),
		EmergencyID: ev.EmergencyID.String(),
		Timestamp:   ev.Timestamp,
		Data:        ev.Data,
	}
	for _, topic := range Topics(ev) {
		s.hub.Broadcast(topic, frame)
	}
	return nil
}

// AuthorizeTopics decides what a WebSocket client may follow: a single
// emergency's topic is open to whoever holds its id, the firehose to police
// and admins, and a hospital topic only to that hospital's staff.
func AuthorizeTopics(c echo.Context) websocket.TopicFilter {
	ctx := c.Request().Context()
	return func(topic string) bool {
		return topicAllowed(ctx, topic)
	}
}

func topicAllowed(ctx context.Context, topic string) bool {
	switch {
	case topic == TopicAll:
		return auth.HasRole(ctx, auth.RolePolice)
	case strings.HasPrefix(topic, topicEmergencyPrefix):
		_, err := uuid.Parse(strings.TrimPrefix(topic, topicEmergencyPrefix))
		return err == nil
	case strings.HasPrefix(topic, topicHospitalPrefix):
		id, err := uuid.Parse(strings.TrimPrefix(topic, topicHospitalPrefix))
		if err != nil {
			return false
		}
		if own, ok := auth.HospitalIDFromContext(ctx); ok {
			return own == id
		}
		for _, r := range auth.RolesFromContext(ctx) {
			if r == auth.RoleAdmin {
				return true
			}
		}
		return false
	}
	return false
}
