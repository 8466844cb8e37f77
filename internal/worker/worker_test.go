package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/notify-api/internal/registry"
	"github.com/pulsehq/notify-api/internal/repository"
)

type stubRepo struct {
	repository.NotificationRepository

	deleteCalls atomic.Int32
	deleteErr   error
}

func (s *stubRepo) DeleteExpired(context.Context, time.Time) (int64, error) {
	s.deleteCalls.Add(1)
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	return 2, nil
}

func TestNewSweeper_RejectsZeroConfig(t *testing.T) {
	reg := registry.New(8, zerolog.Nop(), nil)

	assert.Panics(t, func() {
		NewSweeper(reg, SweeperConfig{ConnectionTimeout: time.Minute}, zerolog.Nop())
	})
	assert.Panics(t, func() {
		NewSweeper(reg, SweeperConfig{HeartbeatInterval: time.Second}, zerolog.Nop())
	})
}

func TestSweeper_EvictsStaleConnections(t *testing.T) {
	reg := registry.New(8, zerolog.Nop(), nil)
	reg.Register(uuid.New(), uuid.New())

	s := NewSweeper(reg, SweeperConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectionTimeout: time.Nanosecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return reg.Stats().TotalConnections == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}

func TestNewCleanup_RejectsZeroConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewCleanup(&stubRepo{}, CleanupConfig{}, zerolog.Nop(), nil)
	})
}

func TestCleanup_DeletesOnEachTick(t *testing.T) {
	repo := &stubRepo{}
	c := NewCleanup(repo, CleanupConfig{PollInterval: 10 * time.Millisecond}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return repo.deleteCalls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestCleanup_SurvivesRepoErrors(t *testing.T) {
	repo := &stubRepo{deleteErr: errors.New("db down")}
	c := NewCleanup(repo, CleanupConfig{PollInterval: 10 * time.Millisecond}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(ctx)
	}()

	// The loop keeps polling despite failures.
	require.Eventually(t, func() bool {
		return repo.deleteCalls.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
