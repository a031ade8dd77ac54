package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tubesort/internal/coordinator"
)

func TestRunStateStore_LoadSeeded(t *testing.T) {
	store := NewRunStateStore(newTestDB(t))

	s, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.DefaultState(), s)
}

func TestRunStateStore_UpdateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := NewRunStateStore(newTestDB(t))

	s, err := store.Update(ctx, func(s *coordinator.State) error {
		s.RunID = "run-1"
		s.Running = true
		s.Command = coordinator.CommandStart
		s.CurrentSource = 2
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)
	assert.False(t, s.UpdatedAt.IsZero())

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Version, loaded.Version)
	assert.True(t, coordinator.SameContent(s, loaded))
	assert.Equal(t, s.UpdatedAt.UnixNano(), loaded.UpdatedAt.UnixNano())
}

func TestRunStateStore_UnchangedIsNotWritten(t *testing.T) {
	ctx := context.Background()
	store := NewRunStateStore(newTestDB(t))

	first, err := store.Update(ctx, func(s *coordinator.State) error {
		s.Running = true
		return nil
	})
	require.NoError(t, err)

	second, err := store.Update(ctx, func(s *coordinator.State) error {
		s.Running = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.UpdatedAt.UnixNano(), second.UpdatedAt.UnixNano())
}

func TestRunStateStore_ErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewRunStateStore(newTestDB(t))
	boom := errors.New("boom")

	_, err := store.Update(ctx, func(s *coordinator.State) error {
		s.Running = true
		return boom
	})
	assert.ErrorIs(t, err, boom)

	s, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, s.Running)
	assert.Equal(t, int64(0), s.Version)

	// The connection is usable after the rollback.
	_, err = store.Update(ctx, func(s *coordinator.State) error {
		s.Paused = true
		return nil
	})
	require.NoError(t, err)
}

func TestRunStateStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewRunStateStore(newTestDB(t))

	_, err := store.Update(ctx, func(s *coordinator.State) error {
		s.Running = true
		s.RackToChange = "ugi"
		return nil
	})
	require.NoError(t, err)

	s, err := store.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)
	assert.True(t, coordinator.SameContent(coordinator.DefaultState(), s))
}

// Two handles on one file stand in for the orchestrator and a control
// process.
func TestRunStateStore_SharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewDB(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewDB(path)
	require.NoError(t, err)
	defer b.Close()

	orchestrator := NewRunStateStore(a)
	control := NewRunStateStore(b)

	_, err = control.Update(ctx, func(s *coordinator.State) error {
		s.PauseRequested = true
		return nil
	})
	require.NoError(t, err)

	seen, err := orchestrator.Load(ctx)
	require.NoError(t, err)
	assert.True(t, seen.PauseRequested)

	const perSide = 25
	var wg sync.WaitGroup
	for _, store := range []*RunStateStore{orchestrator, control} {
		for i := 0; i < perSide; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Update(ctx, func(s *coordinator.State) error {
					s.CurrentSource++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	final, err := orchestrator.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1+2*perSide, final.CurrentSource)
	assert.Equal(t, int64(1+2*perSide), final.Version)
}

func TestRunStateStore_WithCoordinator(t *testing.T) {
	ctx := context.Background()
	store := NewRunStateStore(newTestDB(t))
	c := coordinator.New(store, nil, coordinator.DefaultConfig())

	_, err := c.Start(ctx, "run-7")
	require.NoError(t, err)
	before, err := store.Load(ctx)
	require.NoError(t, err)

	ok, err := c.ConfirmRackReplacement(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
