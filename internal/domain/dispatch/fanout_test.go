package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resqnet/resqnet/internal/platform/metrics"
)

func candidates(n int) []Candidate {
	cs := make([]Candidate, n)
	for i := range cs {
		cs[i] = Candidate{HospitalID: uuid.New(), Name: "H", DistanceKm: float64(i)}
	}
	return cs
}

func TestFanOut_OneRowPerCandidate(t *testing.T) {
	store := NewMemStore()
	fo := NewFanOut(store.Notifications(), 3, zerolog.Nop(), nil)
	eid := uuid.New()
	now := time.Now().UTC()

	res := fo.Notify(context.Background(), eid, candidates(10), now)
	assert.Equal(t, 10, res.Created)
	assert.Len(t, res.Notified, 10)
	assert.NoError(t, res.Err)

	rows, err := store.Notifications().ListByEmergency(context.Background(), eid)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	for _, n := range rows {
		assert.Equal(t, now, n.NotifiedAt)
		assert.Nil(t, n.ResponseType)
		assert.Nil(t, n.RespondedAt)
		assert.Nil(t, n.ViewedAt)
	}
}

func TestFanOut_EmptyCandidatesIsNotAnError(t *testing.T) {
	fo := NewFanOut(NewMemStore().Notifications(), 0, zerolog.Nop(), nil)
	res := fo.Notify(context.Background(), uuid.New(), nil, time.Now())
	assert.Zero(t, res.Created)
	assert.NoError(t, res.Err)
}

func TestFanOut_PartialFailureIsNotRolledBack(t *testing.T) {
	store := NewMemStore()
	cs := candidates(4)
	repo := flakyNotifications{
		NotificationRepository: store.Notifications(),
		failFor:                map[uuid.UUID]bool{cs[1].HospitalID: true},
	}
	fo := NewFanOut(repo, 2, zerolog.Nop(), metrics.New())
	eid := uuid.New()

	res := fo.Notify(context.Background(), eid, cs, time.Now())
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Err, errBoom)
	assert.NotContains(t, res.Notified, cs[1].HospitalID)

	rows, err := store.Notifications().ListByEmergency(context.Background(), eid)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestFanOut_DuplicatesAreSkipped(t *testing.T) {
	store := NewMemStore()
	fo := NewFanOut(store.Notifications(), 4, zerolog.Nop(), nil)
	eid := uuid.New()
	cs := candidates(3)

	first := fo.Notify(context.Background(), eid, cs, time.Now())
	second := fo.Notify(context.Background(), eid, cs, time.Now())
	assert.Equal(t, 3, first.Created)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Duplicates)

	rows, _ := store.Notifications().ListByEmergency(context.Background(), eid)
	assert.Len(t, rows, 3)
}
