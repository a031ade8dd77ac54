// Package events publishes run lifecycle events so that dashboards and
// downstream tooling can follow a sort run without polling the control plane.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/tubesort/internal/monitoring"
)

// Kind names an event type. It is the last token of the NATS subject.
type Kind string

const (
	RunStarted     Kind = "run.started"
	ItemClassified Kind = "item.classified"
	ItemPlaced     Kind = "item.placed"
	ItemFailed     Kind = "item.failed"
	RackRequested  Kind = "rack.requested"
	RackReplaced   Kind = "rack.replaced"
	RunFinished    Kind = "run.finished"
)

// SubjectPrefix is the first token of every subject.
const SubjectPrefix = "tubesort"

// Event is the JSON payload published for every Kind.
type Event struct {
	Kind  Kind      `json:"kind"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// Subject returns tubesort.<run_id>.<kind>.
func Subject(runID string, kind Kind) string {
	if runID == "" {
		runID = "none"
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, runID, kind)
}

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Emit publishes ev through p, stamping the time if unset. Failures are
// logged and dropped: events never affect the run.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		monitoring.Logf("events: publish %s failed: %v", ev.Kind, err)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATSPublisher publishes JSON-encoded events to NATS core subjects.
type NATSPublisher struct {
	nc    *nats.Conn
	owned bool
}

// NewNATSPublisher connects to url and returns a publisher that closes the
// connection on Close.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("tubesort"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, owned: true}, nil
}

// NewNATSPublisherFromConn wraps an existing connection. Close leaves it open.
func NewNATSPublisherFromConn(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Publish encodes ev and publishes it on Subject(ev.RunID, ev.Kind).
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.nc.Publish(Subject(ev.RunID, ev.Kind), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	p.nc.Close()
	return nil
}

// Recorder keeps published events in memory. It backs tests and the
// in-process summary of the last run.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were published.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Multi fans every event out to all publishers. The first error is returned
// after all publishers have been tried.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
