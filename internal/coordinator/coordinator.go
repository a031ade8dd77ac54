// Package coordinator implements the run state machine shared by the
// orchestrator and the control plane: start, stop, pause, resume and the
// destination rack replacement handshake.
//
// All state lives in a Store so that a separate control-plane process can
// drive a running orchestrator. The orchestrator side consults it through
// Checkpoint and RequestRackReplacement, both of which poll with bounded
// timeouts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/sorter"
	"github.com/banshee-data/tubesort/internal/timeutil"
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrNotPaused      = errors.New("not paused")
	ErrRackMismatch   = errors.New("rack replacement pending for a different destination")

	// ErrAborted wraps every reason a checkpoint or rack wait ends a phase.
	ErrAborted      = errors.New("aborted")
	ErrStopped      = errors.New("stop requested")
	ErrPauseTimeout = errors.New("pause not cleared in time")
	ErrRackTimeout  = errors.New("rack replacement not confirmed in time")
)

// Config holds the wait timings and the pause pose.
type Config struct {
	PauseTimeout time.Duration
	RackTimeout  time.Duration
	PollInterval time.Duration
	PausePose    sorter.Pose
}

// DefaultConfig returns the reference waits: 300s pause, 600s rack, 500ms poll.
func DefaultConfig() Config {
	return Config{
		PauseTimeout: 300 * time.Second,
		RackTimeout:  600 * time.Second,
		PollInterval: 500 * time.Millisecond,
		PausePose:    sorter.Pose{X: -512, Y: 310, Z: 195},
	}
}

// Coordinator drives the state machine over a Store.
type Coordinator struct {
	store Store
	mover sorter.Mover
	cfg   Config
	Clock timeutil.Clock

	metrics *monitoring.Metrics
}

// New returns a Coordinator. mover may be nil for control-plane-only use.
func New(store Store, mover sorter.Mover, cfg Config) *Coordinator {
	return &Coordinator{
		store:   store,
		mover:   mover,
		cfg:     cfg,
		Clock:   timeutil.RealClock{},
		metrics: monitoring.NewMetrics(),
	}
}

// Store returns the underlying store.
func (c *Coordinator) Store() Store { return c.store }

// Start begins a run with all flags cleared.
func (c *Coordinator) Start(ctx context.Context, runID string) (State, error) {
	return c.store.Update(ctx, func(s *State) error {
		if s.Running {
			return ErrAlreadyRunning
		}
		next := DefaultState()
		next.RunID = runID
		next.Command = CommandStart
		next.Running = true
		*s = next
		return nil
	})
}

// Stop requests termination. It takes effect at the next checkpoint or
// rack wait.
func (c *Coordinator) Stop(ctx context.Context) (State, error) {
	return c.store.Update(ctx, func(s *State) error {
		if !s.Running {
			return ErrNotRunning
		}
		s.Command = CommandStop
		s.Running = false
		s.Paused = false
		s.PauseRequested = false
		return nil
	})
}

// RequestPause asks the orchestrator to pause at its next checkpoint. It
// does not block and is a no-op while already paused.
func (c *Coordinator) RequestPause(ctx context.Context) (State, error) {
	return c.store.Update(ctx, func(s *State) error {
		if !s.Running {
			return ErrNotRunning
		}
		if s.Paused {
			return nil
		}
		s.PauseRequested = true
		s.Command = CommandPause
		return nil
	})
}

// Resume clears a pause. A pause that was requested but not yet reached is
// reported as ErrNotPaused.
func (c *Coordinator) Resume(ctx context.Context) (State, error) {
	return c.store.Update(ctx, func(s *State) error {
		if !s.Running {
			return ErrNotRunning
		}
		if !s.Paused {
			return ErrNotPaused
		}
		s.Paused = false
		s.Command = CommandResume
		return nil
	})
}

// ConfirmRackReplacement acknowledges the pending rack replacement. An empty
// tag confirms whatever is pending. It reports false without writing when
// nothing is pending.
func (c *Coordinator) ConfirmRackReplacement(ctx context.Context, tag string) (bool, error) {
	confirmed := false
	_, err := c.store.Update(ctx, func(s *State) error {
		if s.RackToChange == "" {
			return nil
		}
		if tag != "" && !strings.EqualFold(strings.TrimSpace(tag), s.RackToChange) {
			return fmt.Errorf("%w: pending %q, got %q", ErrRackMismatch, s.RackToChange, tag)
		}
		s.RackReplaced = true
		s.RackToChange = ""
		confirmed = true
		return nil
	})
	return confirmed, err
}

// Status returns the current state.
func (c *Coordinator) Status(ctx context.Context) (State, error) {
	return c.store.Load(ctx)
}

// SetCurrentSource records which source grid the orchestrator is working on.
func (c *Coordinator) SetCurrentSource(ctx context.Context, id int) error {
	_, err := c.store.Update(ctx, func(s *State) error {
		s.CurrentSource = id
		return nil
	})
	return err
}

// Finish marks the run as ended. It only touches the state of runID so a
// late finish cannot end a newer run.
func (c *Coordinator) Finish(ctx context.Context, runID string) error {
	_, err := c.store.Update(ctx, func(s *State) error {
		if s.RunID != runID {
			return nil
		}
		if s.Command != CommandStop {
			s.Command = CommandFinished
		}
		s.Running = false
		s.Paused = false
		s.PauseRequested = false
		s.RackToChange = ""
		return nil
	})
	return err
}

func (c *Coordinator) abort(reason error, label string) error {
	c.metrics.CheckpointAborts.WithLabelValues(label).Inc()
	return fmt.Errorf("%w: %w", ErrAborted, reason)
}

func abortLabel(err error) string {
	switch {
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrPauseTimeout):
		return "pause_timeout"
	case errors.Is(err, ErrRackTimeout):
		return "rack_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "store"
}

// Checkpoint gates the next unit of work. It returns nil to proceed or an
// error wrapping ErrAborted. A pending pause request parks the manipulator
// at the pause pose once, marks the run paused and blocks until resumed,
// stopped or the pause timeout elapses.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return c.abort(err, "cancelled")
	}
	st, err := c.store.Load(ctx)
	if err != nil {
		return c.abort(fmt.Errorf("load run state: %w", err), "store")
	}
	if !st.Running {
		return c.abort(ErrStopped, "stopped")
	}

	if st.PauseRequested {
		monitoring.Logf("coordinator: pause requested, moving to pause pose %s", c.cfg.PausePose)
		c.park(ctx)
		st, err = c.store.Update(ctx, func(s *State) error {
			if s.Running && s.PauseRequested {
				s.Paused = true
				s.PauseRequested = false
			}
			return nil
		})
		if err != nil {
			return c.abort(fmt.Errorf("mark paused: %w", err), "store")
		}
		if !st.Running {
			return c.abort(ErrStopped, "stopped")
		}
	}

	if !st.Paused {
		return nil
	}

	monitoring.Logf("coordinator: paused, waiting up to %s for resume", c.cfg.PauseTimeout)
	err = timeutil.PollUntil(ctx, c.Clock, c.cfg.PollInterval, c.cfg.PauseTimeout, func() (bool, error) {
		s, err := c.store.Load(ctx)
		if err != nil {
			return false, err
		}
		if !s.Running {
			return false, ErrStopped
		}
		return !s.Paused, nil
	})
	if errors.Is(err, timeutil.ErrWaitTimeout) {
		err = ErrPauseTimeout
	}
	if err != nil {
		monitoring.Logf("coordinator: pause ended without resume: %v", err)
		return c.abort(err, abortLabel(err))
	}
	monitoring.Logf("coordinator: resumed")
	return nil
}

// park moves to the pause pose. Failures are logged only.
func (c *Coordinator) park(ctx context.Context) {
	if c.mover == nil {
		return
	}
	if err := c.mover.MoveTo(ctx, c.cfg.PausePose); err != nil {
		monitoring.Logf("coordinator: move to pause pose failed: %v", err)
	}
}

// RequestRackReplacement records that the destination tagged tag needs a
// fresh rack and blocks until the control plane confirms it, the run is
// stopped or the rack timeout elapses.
func (c *Coordinator) RequestRackReplacement(ctx context.Context, tag string) error {
	_, err := c.store.Update(ctx, func(s *State) error {
		if !s.Running {
			return ErrStopped
		}
		s.RackToChange = tag
		s.RackReplaced = false
		s.Command = CommandChangeRack
		return nil
	})
	if err != nil {
		return c.abort(err, abortLabel(err))
	}
	monitoring.Logf("coordinator: rack %q needs replacement, waiting up to %s", tag, c.cfg.RackTimeout)

	err = timeutil.PollUntil(ctx, c.Clock, c.cfg.PollInterval, c.cfg.RackTimeout, func() (bool, error) {
		s, err := c.store.Load(ctx)
		if err != nil {
			return false, err
		}
		if !s.Running {
			return false, ErrStopped
		}
		return s.RackReplaced, nil
	})
	if err == nil {
		monitoring.Logf("coordinator: rack %q replaced", tag)
		return nil
	}

	if errors.Is(err, timeutil.ErrWaitTimeout) {
		err = ErrRackTimeout
		c.metrics.RackReplacements.WithLabelValues("timeout").Inc()
	}
	// Withdraw the request so a late confirmation is a no-op.
	if _, werr := c.store.Update(context.WithoutCancel(ctx), func(s *State) error {
		if s.RackToChange == tag {
			s.RackToChange = ""
		}
		return nil
	}); werr != nil {
		monitoring.Logf("coordinator: withdraw rack request: %v", werr)
	}
	monitoring.Logf("coordinator: rack %q not replaced: %v", tag, err)
	return c.abort(err, abortLabel(err))
}
