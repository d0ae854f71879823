package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resqnet/resqnet/internal/platform/auth"
	"github.com/resqnet/resqnet/internal/platform/metrics"
	"github.com/resqnet/resqnet/internal/platform/websocket"
)

func sampleEvent(t *testing.T, hospitals ...uuid.UUID) Event {
	t.Helper()
	ev, err := New(EmergencyCreated, uuid.New(), hospitals, map[string]int{"notified_hospital_count": len(hospitals)})
	require.NoError(t, err)
	return ev
}

func TestNew_MarshalsPayload(t *testing.T) {
	ev := sampleEvent(t, uuid.New(), uuid.New())
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.JSONEq(t, `{"notified_hospital_count":2}`, string(ev.Data))

	_, err := New(EmergencyCreated, uuid.New(), nil, make(chan int))
	assert.Error(t, err)
}

func TestTopics(t *testing.T) {
	h1, h2 := uuid.New(), uuid.New()
	ev := sampleEvent(t, h1, h2)
	assert.Equal(t, []string{
		TopicAll,
		"emergency/" + ev.EmergencyID.String(),
		"hospital/" + h1.String(),
		"hospital/" + h2.String(),
	}, Topics(ev))
}

type stubSink struct {
	name string
	err  error

	mu  sync.Mutex
	got []Event
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.err
}

func TestMulti_DeliversToAllSinksDespiteFailure(t *testing.T) {
	failing := &stubSink{name: "broken", err: errors.New("down")}
	ok := &stubSink{name: "ok"}
	p := NewMulti(zerolog.Nop(), metrics.New(), failing, ok)

	err := p.Publish(context.Background(), sampleEvent(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Len(t, failing.got, 1)
	assert.Len(t, ok.got, 1)
	assert.Equal(t, 2, p.Len())
}

func TestWebSocketSink_BroadcastsToEveryTopic(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	hid := uuid.New()
	ev := sampleEvent(t, hid)

	all := &websocket.Client{ID: "all", Topics: []string{TopicAll}, Send: make(chan []byte, 4)}
	hosp := &websocket.Client{ID: "hosp", Topics: []string{HospitalTopic(hid)}, Send: make(chan []byte, 4)}
	hub.Register(all)
	hub.Register(hosp)

	require.NoError(t, NewWebSocketSink(hub).Publish(context.Background(), ev))

	var frame websocket.Event
	require.NoError(t, json.Unmarshal(<-hosp.Send, &frame))
	assert.Equal(t, string(EmergencyCreated), frame.Type)
	assert.Equal(t, HospitalTopic(hid), frame.Topic)
	assert.Equal(t, ev.EmergencyID.String(), frame.EmergencyID)
	assert.Len(t, all.Send, 1)
}

func TestAuthorizeTopics(t *testing.T) {
	own, other := uuid.New(), uuid.New()
	e := echo.New()

	contextFor := func(ctx context.Context) echo.Context {
		req := httptest.NewRequest("GET", "/ws", nil).WithContext(ctx)
		return e.NewContext(req, httptest.NewRecorder())
	}
	withRoles := func(roles ...string) context.Context {
		return context.WithValue(context.Background(), auth.UserRolesKey, roles)
	}

	anon := AuthorizeTopics(contextFor(context.Background()))
	assert.True(t, anon(EmergencyTopic(uuid.New())))
	assert.False(t, anon("emergency/not-a-uuid"))
	assert.False(t, anon(TopicAll))
	assert.False(t, anon(HospitalTopic(own)))

	hospital := AuthorizeTopics(contextFor(auth.WithHospital(context.Background(), own)))
	assert.True(t, hospital(HospitalTopic(own)))
	assert.False(t, hospital(HospitalTopic(other)))
	assert.False(t, hospital(TopicAll))

	police := AuthorizeTopics(contextFor(withRoles(auth.RolePolice)))
	assert.True(t, police(TopicAll))
	assert.False(t, police(HospitalTopic(own)))

	admin := AuthorizeTopics(contextFor(withRoles(auth.RoleAdmin)))
	assert.True(t, admin(TopicAll))
	assert.True(t, admin(HospitalTopic(other)))
	assert.False(t, admin("random"))
}

func TestRedisSink_AppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hid := uuid.New()
	ev := sampleEvent(t, hid)
	sink := NewRedisSink(client, "", 1000)
	require.NoError(t, sink.Publish(context.Background(), ev))

	msgs, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	v := msgs[0].Values
	assert.Equal(t, string(EmergencyCreated), v["type"])
	assert.Equal(t, ev.EmergencyID.String(), v["emergency_id"])
	assert.Equal(t, hid.String(), v["hospital_ids"])
	assert.JSONEq(t, string(ev.Data), v["data"].(string))
}

func TestRedisSink_ReportsConnectionErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisSink(client, "s", 0).Publish(context.Background(), sampleEvent(t))
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	client.Close()

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeBroker struct {
	token  *fakeToken
	topics []string
	qos    []byte
}

func (b *fakeBroker) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	b.topics = append(b.topics, topic)
	b.qos = append(b.qos, qos)
	return b.token
}

func TestMQTTSink_PublishesPerEmergencyAndHospital(t *testing.T) {
	broker := &fakeBroker{token: &fakeToken{}}
	h1 := uuid.New()
	ev := sampleEvent(t, h1)

	require.NoError(t, NewMQTTSink(broker, "city/", 1).Publish(context.Background(), ev))
	assert.Equal(t, []string{
		"city/emergencies/" + ev.EmergencyID.String(),
		"city/hospitals/" + h1.String(),
	}, broker.topics)
	assert.Equal(t, []byte{1, 1}, broker.qos)
}

func TestMQTTSink_Errors(t *testing.T) {
	ev := sampleEvent(t)

	err := NewMQTTSink(&fakeBroker{token: &fakeToken{err: errors.New("refused")}}, "", 0).
		Publish(context.Background(), ev)
	assert.ErrorContains(t, err, "refused")

	err = NewMQTTSink(&fakeBroker{token: &fakeToken{timeout: true}}, "", 0).
		Publish(context.Background(), ev)
	assert.ErrorContains(t, err, "timed out")
}

func TestWebhookSink_PostsSignedEvent(t *testing.T) {
	var (
		gotBody []byte
		gotHdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHdr = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, "s3cret", 0)
	require.NoError(t, err)
	ev := sampleEvent(t, uuid.New())
	require.NoError(t, sink.Publish(context.Background(), ev))

	assert.Equal(t, string(EmergencyCreated), gotHdr.Get(HeaderEvent))
	assert.Equal(t, ev.ID.String(), gotHdr.Get(HeaderDelivery))
	assert.True(t, VerifySignature(gotBody, "s3cret", gotHdr.Get(HeaderSignature)))
	assert.False(t, VerifySignature(gotBody, "other", gotHdr.Get(HeaderSignature)))

	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, ev.EmergencyID, decoded.EmergencyID)
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, "", 3)
	require.NoError(t, err)
	require.NoError(t, sink.Publish(context.Background(), sampleEvent(t)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSink_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, "", 3)
	require.NoError(t, err)
	err = sink.Publish(context.Background(), sampleEvent(t))
	assert.ErrorContains(t, err, "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewWebhookSink_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/hook", "http://", "::"} {
		_, err := NewWebhookSink(u, "", 0)
		assert.Error(t, err, u)
	}
}

// gatedSink holds every delivery until release is closed.
type gatedSink struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func newGatedSink() *gatedSink {
	return &gatedSink{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *gatedSink) Publish(ctx context.Context, ev Event) error {
	s.started <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}

func (s *gatedSink) delivered() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.got...)
}

func TestQueue_PublishDoesNotWaitForSinks(t *testing.T) {
	sink := newGatedSink()
	q := NewQueue(sink, 8, time.Minute, zerolog.Nop(), metrics.New())

	first, second := sampleEvent(t), sampleEvent(t)
	start := time.Now()
	require.NoError(t, q.Publish(context.Background(), first))
	require.NoError(t, q.Publish(context.Background(), second))
	assert.Less(t, time.Since(start), time.Second)

	<-sink.started
	assert.Empty(t, sink.delivered())
	close(sink.release)

	require.NoError(t, q.Close(context.Background()))
	got := sink.delivered()
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestQueue_DropsWhenFull(t *testing.T) {
	sink := newGatedSink()
	q := NewQueue(sink, 1, time.Minute, zerolog.Nop(), metrics.New())
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, sampleEvent(t)))
	<-sink.started
	require.NoError(t, q.Publish(ctx, sampleEvent(t)))
	assert.ErrorIs(t, q.Publish(ctx, sampleEvent(t)), ErrQueueFull)

	close(sink.release)
	require.NoError(t, q.Close(ctx))
	assert.Len(t, sink.delivered(), 2)
	assert.ErrorIs(t, q.Publish(ctx, sampleEvent(t)), ErrQueueClosed)
}

func TestQueue_DeliveryTimeoutBoundsEachEvent(t *testing.T) {
	sink := newGatedSink()
	q := NewQueue(sink, 4, 20*time.Millisecond, zerolog.Nop(), nil)

	require.NoError(t, q.Publish(context.Background(), sampleEvent(t)))
	require.NoError(t, q.Close(context.Background()))
	assert.Empty(t, sink.delivered())
}

func TestQueue_CloseGivesUpWhenContextEnds(t *testing.T) {
	sink := newGatedSink()
	defer close(sink.release)
	q := NewQueue(sink, 4, time.Minute, zerolog.Nop(), nil)
	require.NoError(t, q.Publish(context.Background(), sampleEvent(t)))
	<-sink.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
}

func TestWebhookWorstCaseFitsDefaultDeliveryTimeout(t *testing.T) {
	assert.Less(t, WebhookWorstCaseDelivery(2), DefaultDeliveryTimeout)
	assert.Equal(t, webhookAttemptTimeout, WebhookWorstCaseDelivery(0))
}
