package sorter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tubesort/internal/events"
	"github.com/banshee-data/tubesort/internal/monitoring"
)

// ErrTaskPanic wraps a panic recovered from a classification task.
var ErrTaskPanic = errors.New("classification task panicked")

// ScanConfig holds the scan pattern geometry and timings.
type ScanConfig struct {
	// GroupSize is the number of adjacent cells read by one trigger.
	GroupSize int
	// RowPitch is the X step between rows.
	RowPitch float64
	// GroupPitch is the Y step between scan groups.
	GroupPitch float64
	// Dwell is how long the scanner trigger stays open.
	Dwell time.Duration
	// ClassifyTimeout bounds each classification request.
	ClassifyTimeout time.Duration
}

// DefaultScanConfig returns the reference scan pattern: groups of three at a
// 20.7mm pitch.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		GroupSize:       3,
		RowPitch:        20.7,
		GroupPitch:      3 * 20.7,
		Dwell:           200 * time.Millisecond,
		ClassifyTimeout: 5 * time.Second,
	}
}

// TaskError records one classification task that failed or panicked.
type TaskError struct {
	Source     Source
	Identifier string
	Err        error
}

func (e TaskError) Error() string {
	return fmt.Sprintf("source %d [%d][%d] %q: %v", e.Source.GridID, e.Source.Row, e.Source.Col, e.Identifier, e.Err)
}

// ScanResult summarises one source grid's scan phase.
type ScanResult struct {
	SourceID int
	// Items holds every classified item, assigned or not, in completion order.
	Items    []Item
	Assigned int
	// Queued counts items whose grid was full; they are placed after a
	// rack replacement during the sort phase.
	Queued         int
	Rejected       int
	Unreadable     int
	Groups         int
	MotionFailures int
	ScanFailures   int
	TaskErrors     []TaskError
	// Durations holds the latency of every classification request.
	Durations   []time.Duration
	Aborted     bool
	AbortReason error
}

// ScanPipeline walks a source grid's mask, scanning groups of cells and
// classifying every identifier it reads. Motion and scans are issued from the
// calling goroutine only; classification requests fan out without bound and
// are joined before ScanSource returns.
type ScanPipeline struct {
	Mover      Mover
	Scanner    Scanner
	Classifier Classifier
	Allocator  *Allocator
	Checkpoint Checkpointer
	Config     ScanConfig

	// Events and RunID are optional.
	Events events.Publisher
	RunID  string

	metrics *monitoring.Metrics
}

// NewScanPipeline wires a pipeline with the default metrics.
func NewScanPipeline(m Mover, s Scanner, c Classifier, a *Allocator, cp Checkpointer, cfg ScanConfig) *ScanPipeline {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 3
	}
	return &ScanPipeline{
		Mover:      m,
		Scanner:    s,
		Classifier: c,
		Allocator:  a,
		Checkpoint: cp,
		Config:     cfg,
		metrics:    monitoring.NewMetrics(),
	}
}

// ParseScanReply splits a scanner reply on ';' into exactly n tokens. Empty
// and missing tokens become NoRead; extra tokens are dropped.
func ParseScanReply(reply string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = NoRead
	}
	reply = strings.TrimSpace(strings.ReplaceAll(reply, "\r", ""))
	if reply == "" || reply == NoRead {
		return out
	}
	for i, tok := range strings.Split(reply, ";") {
		if i >= n {
			break
		}
		if tok = strings.TrimSpace(tok); tok != "" {
			out[i] = tok
		}
	}
	return out
}

// scanTally is shared by the classification tasks of one ScanSource call.
type scanTally struct {
	mu  sync.Mutex
	res *ScanResult
}

func (t *scanTally) record(item Item, assignErr error, d time.Duration, taskErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Items = append(t.res.Items, item)
	t.res.Durations = append(t.res.Durations, d)
	switch {
	case assignErr == nil:
		t.res.Assigned++
	case errors.Is(assignErr, ErrGridFull):
		t.res.Queued++
	default:
		t.res.Rejected++
	}
	if taskErr != nil {
		t.res.TaskErrors = append(t.res.TaskErrors, TaskError{Source: item.Source, Identifier: item.Identifier, Err: taskErr})
	}
}

// ScanSource scans every active cell of src and classifies what it reads.
// A checkpoint runs before every row; when it aborts, no further motion or
// scan is issued but every classification already launched is still awaited.
// The returned error is the abort reason, or nil when the grid was scanned
// to the end.
func (p *ScanPipeline) ScanSource(ctx context.Context, src SourceGrid) (ScanResult, error) {
	if p.metrics == nil {
		p.metrics = monitoring.NewMetrics()
	}
	res := ScanResult{SourceID: src.ID}
	tally := &scanTally{res: &res}
	var g errgroup.Group
	launched := 0

	monitoring.Logf("scan: source %d, %d active cells", src.ID, src.ActiveCount())

rows:
	for row := 0; row < src.Rows(); row++ {
		if p.Checkpoint != nil {
			if err := p.Checkpoint.Checkpoint(ctx); err != nil {
				res.Aborted = true
				res.AbortReason = err
				monitoring.Logf("scan: source %d aborted before row %d: %v", src.ID, row, err)
				break rows
			}
		}

		cols := len(src.Mask[row])
		size := p.Config.GroupSize
		for group := 0; group*size < cols; group++ {
			first := group * size
			last := min(first+size, cols)
			if !anyActive(src, row, first, last) {
				continue
			}
			res.Groups++

			tokens := p.scanGroup(ctx, src, row, group, &res)
			for col := first; col < last; col++ {
				if !src.active(row, col) {
					continue
				}
				id := tokens[col-first]
				if id == NoRead {
					res.Unreadable++
					continue
				}
				item := Item{Identifier: id, Source: Source{GridID: src.ID, Row: row, Col: col}}
				launched++
				g.Go(func() error {
					return p.classifyTask(ctx, item, tally)
				})
			}
		}
	}

	// Barrier: in-flight requests finish under their own timeouts even after
	// an abort.
	if err := g.Wait(); err != nil {
		monitoring.Logf("scan: source %d: %d of %d classification tasks failed, first: %v",
			src.ID, len(res.TaskErrors), launched, err)
	}

	monitoring.Logf("scan: source %d done: %d groups, %d classified, %d assigned, %d queued, %d rejected, %d unreadable",
		src.ID, res.Groups, len(res.Items), res.Assigned, res.Queued, res.Rejected, res.Unreadable)
	return res, res.AbortReason
}

func anyActive(src SourceGrid, row, first, last int) bool {
	for col := first; col < last; col++ {
		if src.active(row, col) {
			return true
		}
	}
	return false
}

// scanGroup moves over one group and reads it. Device faults yield an
// all-unreadable group.
func (p *ScanPipeline) scanGroup(ctx context.Context, src SourceGrid, row, group int, res *ScanResult) []string {
	size := p.Config.GroupSize
	pos := ScanPositionFor(src.ScanOrigin, row, group, p.Config.RowPitch, p.Config.GroupPitch)

	if err := p.Mover.MoveTo(ctx, pos.Pose); err != nil {
		monitoring.Logf("scan: source %d row %d group %d: motion to %s failed: %v", src.ID, row, group, pos.Pose, err)
		res.MotionFailures++
		p.metrics.ScanGroups.WithLabelValues("motion_failed").Inc()
		return ParseScanReply("", size)
	}

	reply, err := p.Scanner.TriggerAndRead(ctx, p.Config.Dwell)
	if err != nil {
		monitoring.Logf("scan: source %d row %d group %d: scanner failed: %v", src.ID, row, group, err)
		res.ScanFailures++
		p.metrics.ScanGroups.WithLabelValues("scan_failed").Inc()
		return ParseScanReply("", size)
	}
	p.metrics.ScanGroups.WithLabelValues("ok").Inc()
	return ParseScanReply(reply, size)
}

// classifyTask runs in its own goroutine. It never returns a fault to the
// group other than to report it; siblings keep running.
func (p *ScanPipeline) classifyTask(ctx context.Context, item Item, tally *scanTally) error {
	start := time.Now()
	class, err := p.classify(ctx, item.Identifier)
	elapsed := time.Since(start)
	item.Classification = class

	p.metrics.Classifications.WithLabelValues(string(class)).Inc()
	p.metrics.ClassificationDuration.Observe(elapsed.Seconds())

	assigned, aerr := p.Allocator.Assign(item)
	ok := aerr == nil
	if ok {
		item = assigned
	}
	tally.record(item, aerr, elapsed, err)

	data := map[string]any{
		"identifier":     item.Identifier,
		"source":         item.Source,
		"classification": item.Classification,
	}
	if ok {
		data["destination"] = item.Destination
	} else {
		var rej *RejectedError
		if errors.As(aerr, &rej) {
			data["rejected"] = rej.Reason
			data["queued"] = rej.Reason == ReasonGridFull
		}
	}
	events.Emit(ctx, p.Events, events.Event{Kind: events.ItemClassified, RunID: p.RunID, Data: data})
	return err
}

func (p *ScanPipeline) classify(ctx context.Context, id string) (class Classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			class, err = ClassError, fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	timeout := p.Config.ClassifyTimeout
	if timeout <= 0 {
		timeout = DefaultScanConfig().ClassifyTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	class, err = p.Classifier.Classify(cctx, id)
	if err != nil || class == "" {
		class = ClassError
	}
	return class, err
}
