package coordinator

import (
	"context"
	"sync"
	"time"
)

// Commands recorded in State.Command, mirroring the last control-plane action.
const (
	CommandIdle       = "idle"
	CommandStart      = "start"
	CommandPause      = "pause"
	CommandResume     = "resume"
	CommandStop       = "stop"
	CommandChangeRack = "change_rack"
	CommandFinished   = "finished"
)

// State is the run state shared between the orchestrator and control-plane
// processes. Version increases by one on every write.
type State struct {
	Version        int64     `json:"version"`
	RunID          string    `json:"run_id"`
	Command        string    `json:"command"`
	Running        bool      `json:"running"`
	Paused         bool      `json:"paused"`
	PauseRequested bool      `json:"pause_requested"`
	RackToChange   string    `json:"rack_to_change"`
	RackReplaced   bool      `json:"rack_replaced"`
	CurrentSource  int       `json:"current_source"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultState is the state of a process with no run.
func DefaultState() State {
	return State{Command: CommandIdle, CurrentSource: -1}
}

// SameContent reports whether a and b differ only in Version and UpdatedAt.
func SameContent(a, b State) bool {
	a.Version, b.Version = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}

// Store is the authoritative, mutually exclusive home of State.
//
// Update runs fn on the current state inside one exclusive section and
// persists the result. If fn returns an error nothing is written. If fn
// leaves the content unchanged nothing is written and Version is kept.
type Store interface {
	Load(ctx context.Context) (State, error)
	Update(ctx context.Context, fn func(*State) error) (State, error)
	Reset(ctx context.Context) (State, error)
}

// MemoryStore is an in-process Store for tests and single-process use.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	now   func() time.Time
}

// NewMemoryStore returns a store holding DefaultState.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: DefaultState(), now: time.Now}
}

func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryStore) Update(_ context.Context, fn func(*State) error) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state
	if err := fn(&next); err != nil {
		return m.state, err
	}
	if SameContent(next, m.state) {
		return m.state, nil
	}
	next.Version = m.state.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.state = next
	return m.state, nil
}

func (m *MemoryStore) Reset(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := DefaultState()
	next.Version = m.state.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.state = next
	return m.state, nil
}
