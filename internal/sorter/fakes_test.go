package sorter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tubesort/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

var errDevice = errors.New("device fault")

type armOp struct {
	Kind    string // move or out
	Pose    Pose
	Channel int
	On      bool
}

func (o armOp) String() string {
	if o.Kind == "move" {
		return "move " + o.Pose.String()
	}
	return fmt.Sprintf("out %d %v", o.Channel, o.On)
}

// fakeArm records every command. failMove decides per move whether it fails.
type fakeArm struct {
	mu       sync.Mutex
	ops      []armOp
	failMove func(p Pose) error
}

func (a *fakeArm) MoveTo(_ context.Context, p Pose) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, armOp{Kind: "move", Pose: p})
	if a.failMove != nil {
		return a.failMove(p)
	}
	return nil
}

func (a *fakeArm) SetOutput(_ context.Context, ch int, on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, armOp{Kind: "out", Channel: ch, On: on})
	return nil
}

func (a *fakeArm) Ops() []armOp {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]armOp(nil), a.ops...)
}

func (a *fakeArm) Moves() []Pose {
	var out []Pose
	for _, op := range a.Ops() {
		if op.Kind == "move" {
			out = append(out, op.Pose)
		}
	}
	return out
}

// fakeScanner returns replies in order, then NoRead.
type fakeScanner struct {
	mu       sync.Mutex
	replies  []string
	err      error
	triggers int
	dwells   []time.Duration
}

func (s *fakeScanner) TriggerAndRead(_ context.Context, dwell time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers++
	s.dwells = append(s.dwells, dwell)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return NoRead, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *fakeScanner) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

// fakeClassifier answers from a table; fn overrides it when set.
type fakeClassifier struct {
	mu    sync.Mutex
	table map[string]Classification
	fn    func(ctx context.Context, id string) (Classification, error)
	calls []string
}

func (c *fakeClassifier) Classify(ctx context.Context, id string) (Classification, error) {
	c.mu.Lock()
	c.calls = append(c.calls, id)
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	if class, ok := c.table[id]; ok {
		return class, nil
	}
	return ClassUnknown, nil
}

func (c *fakeClassifier) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// fakeCoordinator implements RackCoordinator with optional hooks.
type fakeCoordinator struct {
	mu           sync.Mutex
	checkpoints  int
	rackRequests []string
	checkpointFn func(n int) error
	rackFn       func(tag string) error
}

func (c *fakeCoordinator) Checkpoint(context.Context) error {
	c.mu.Lock()
	c.checkpoints++
	n := c.checkpoints
	fn := c.checkpointFn
	c.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return nil
}

func (c *fakeCoordinator) RequestRackReplacement(_ context.Context, tag string) error {
	c.mu.Lock()
	c.rackRequests = append(c.rackRequests, tag)
	fn := c.rackFn
	c.mu.Unlock()
	if fn != nil {
		return fn(tag)
	}
	return nil
}

func (c *fakeCoordinator) Checkpoints() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoints
}

func (c *fakeCoordinator) RackRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rackRequests...)
}

func mask(rows ...string) [][]bool {
	out := make([][]bool, len(rows))
	for r, row := range rows {
		out[r] = make([]bool, len(row))
		for c, ch := range row {
			out[r][c] = ch == '1'
		}
	}
	return out
}

func newTestAllocator(t interface{ Fatalf(string, ...any) }, specs ...GridSpec) *Allocator {
	if len(specs) == 0 {
		specs = []GridSpec{
			{Classification: ClassUGI, Rows: 10, Cols: 6},
			{Classification: ClassVPCH, Rows: 10, Cols: 6},
		}
	}
	a, err := NewAllocator(specs)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a
}
