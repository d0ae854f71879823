package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_RejectsBadSpec(t *testing.T) {
	s := New(time.UTC, 0, zerolog.Nop())
	_, err := s.Add("bad", "not a cron", func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Entries())
}

func TestRun_LogsAndSurvivesFailures(t *testing.T) {
	s := New(time.UTC, time.Second, zerolog.Nop())
	var calls atomic.Int32

	s.run("sync", func(ctx context.Context) error {
		calls.Add(1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return errors.New("overpass unavailable")
	})
	s.run("sync", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.Equal(t, int32(2), calls.Load())
}

func TestStartStop_RunsEverySecond(t *testing.T) {
	s := New(time.UTC, 0, zerolog.Nop())
	var calls atomic.Int32
	_, err := s.Add("tick", "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, s.Entries(), 1)

	s.Start()
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestStop_CancelsRunningJobContext(t *testing.T) {
	s := New(time.UTC, 0, zerolog.Nop())
	started := make(chan struct{})
	done := make(chan error, 1)
	go s.run("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	<-started
	s.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled")
	}
}
