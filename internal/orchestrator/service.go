package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/report"
	"github.com/banshee-data/tubesort/internal/sorter"
)

var (
	// ErrRunWindingDown is returned by Start while the previous run's
	// goroutine has not returned yet.
	ErrRunWindingDown = errors.New("previous run is still finishing")
	ErrUnknownSource  = errors.New("unknown source grid")
	ErrEmptyMask      = errors.New("mask has no rows")
)

// Service owns the single run goroutine of a process and the source grid
// configuration used by the next run.
type Service struct {
	runner *Runner
	coord  *coordinator.Coordinator

	mu      sync.Mutex
	sources []sorter.SourceGrid
	alloc   *sorter.Allocator
	last    *RunReport
	done    chan struct{}
	cancel  context.CancelFunc

	// NewRunID generates run ids.
	NewRunID func() string
}

// NewService returns a Service driving r. The runner's OnAllocator hook is
// taken over by the service.
func NewService(r *Runner, sources []sorter.SourceGrid) *Service {
	s := &Service{
		runner:   r,
		coord:    r.Coordinator,
		sources:  cloneSources(sources),
		NewRunID: uuid.NewString,
	}
	r.OnAllocator = func(a *sorter.Allocator) {
		s.mu.Lock()
		s.alloc = a
		s.mu.Unlock()
	}
	return s
}

// Reset puts the shared run state back to its defaults. It is called at
// start-up so a state left behind by a crashed process cannot block runs.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked() {
		return ErrRunWindingDown
	}
	_, err := s.coord.Store().Reset(ctx)
	return err
}

func (s *Service) activeLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start begins a run over the current source grids in a new goroutine.
func (s *Service) Start(ctx context.Context) (coordinator.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked() {
		if st, err := s.coord.Status(ctx); err == nil && st.Running {
			return st, coordinator.ErrAlreadyRunning
		}
		return coordinator.State{}, ErrRunWindingDown
	}

	runID := s.NewRunID()
	st, err := s.coord.Start(ctx, runID)
	if err != nil {
		return st, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.done = done
	s.cancel = cancel
	sources := cloneSources(s.sources)

	go func() {
		defer close(done)
		defer cancel()
		rep := s.runner.Run(runCtx, runID, sources)
		s.mu.Lock()
		s.last = rep
		s.mu.Unlock()
	}()
	return st, nil
}

// Stop asks the running job to end at its next checkpoint.
func (s *Service) Stop(ctx context.Context) (coordinator.State, error) {
	return s.coord.Stop(ctx)
}

// Pause asks the running job to park at its next checkpoint.
func (s *Service) Pause(ctx context.Context) (coordinator.State, error) {
	return s.coord.RequestPause(ctx)
}

// Resume clears a pause.
func (s *Service) Resume(ctx context.Context) (coordinator.State, error) {
	return s.coord.Resume(ctx)
}

// ConfirmRack acknowledges a pending rack replacement.
func (s *Service) ConfirmRack(ctx context.Context, tag string) (bool, error) {
	return s.coord.ConfirmRackReplacement(ctx, tag)
}

// Status returns the shared run state.
func (s *Service) Status(ctx context.Context) (coordinator.State, error) {
	return s.coord.Status(ctx)
}

// Sources returns a copy of the source grids the next run will use.
func (s *Service) Sources() []sorter.SourceGrid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSources(s.sources)
}

// SetMask replaces the occupancy mask of source grid id for later runs. A
// run in progress keeps the masks it started with.
func (s *Service) SetMask(id int, mask [][]bool) error {
	if len(mask) == 0 {
		return ErrEmptyMask
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sources {
		if s.sources[i].ID == id {
			s.sources[i].Mask = cloneMask(mask)
			monitoring.Logf("source %d mask replaced: %d rows, %d active", id, len(mask), s.sources[i].ActiveCount())
			return nil
		}
	}
	return fmt.Errorf("%w %d", ErrUnknownSource, id)
}

// Matrix returns the destination matrix of the current or most recent run,
// nil before the first run.
func (s *Service) Matrix() []sorter.GridDump {
	s.mu.Lock()
	a := s.alloc
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Matrix()
}

// Items returns every item assigned in the current or most recent run.
func (s *Service) Items() []sorter.Item {
	s.mu.Lock()
	a := s.alloc
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Items()
}

// LastReport returns the report of the most recent finished run.
func (s *Service) LastReport() *RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Summary returns the summary of the most recent finished run.
func (s *Service) Summary() (report.Summary, bool) {
	rep := s.LastReport()
	if rep == nil {
		return report.Summary{}, false
	}
	return rep.Summary, true
}

// Wait blocks until the current run goroutine, if any, has returned.
func (s *Service) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown cancels a run in progress and waits for it to wind down or for
// ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done, cancel := s.done, s.cancel
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cloneSources(src []sorter.SourceGrid) []sorter.SourceGrid {
	out := slices.Clone(src)
	for i := range out {
		out[i].Mask = cloneMask(out[i].Mask)
	}
	return out
}

func cloneMask(mask [][]bool) [][]bool {
	out := make([][]bool, len(mask))
	for i, row := range mask {
		out[i] = slices.Clone(row)
	}
	return out
}
