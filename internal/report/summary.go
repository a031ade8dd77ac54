// Package report condenses a finished run into a Summary and renders the
// diagnostic views served under /debug: a destination fill chart and a
// classification latency histogram.
package report

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/sorter"
)

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

// Latency holds classification latency statistics in milliseconds.
type Latency struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// GridFill is the final fill level of one destination grid. Filled counts
// the rack in place at the end of the run; Replaced counts the racks swapped
// out before it.
type GridFill struct {
	ID             int                   `json:"id"`
	Classification sorter.Classification `json:"classification"`
	Filled         int                   `json:"filled"`
	Capacity       int                   `json:"capacity"`
	Replaced       int                   `json:"replaced"`
}

// Summary is the outcome of one run.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`

	Sources          int `json:"sources"`
	Groups           int `json:"groups"`
	Classified       int `json:"classified"`
	Assigned         int `json:"assigned"`
	Queued           int `json:"queued"`
	Rejected         int `json:"rejected"`
	Unreadable       int `json:"unreadable"`
	Placed           int `json:"placed"`
	Failed           int `json:"failed"`
	Unmoved          int `json:"unmoved"`
	RackReplacements int `json:"rack_replacements"`

	ClassCounts map[sorter.Classification]int `json:"class_counts"`
	Latency     Latency                       `json:"latency"`
	Fill        []GridFill                    `json:"fill"`

	// Durations keeps the raw classification latencies for the histogram.
	Durations []time.Duration `json:"-"`
}

// Outcome maps the error that ended a run onto an outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, coordinator.ErrStopped):
		return OutcomeStopped
	case errors.Is(err, coordinator.ErrAborted):
		return OutcomeAborted
	}
	return OutcomeFailed
}

// Summarize folds the per-source results of a run into a Summary. matrix is
// the last allocator dump of the run.
func Summarize(runID string, started, finished time.Time, scans []sorter.ScanResult, sorts []sorter.SortResult, matrix []sorter.GridDump, runErr error) Summary {
	s := Summary{
		RunID:       runID,
		StartedAt:   started,
		FinishedAt:  finished,
		Outcome:     Outcome(runErr),
		Sources:     len(scans),
		ClassCounts: make(map[sorter.Classification]int),
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}

	for _, sc := range scans {
		s.Groups += sc.Groups
		s.Classified += len(sc.Items)
		s.Assigned += sc.Assigned
		s.Queued += sc.Queued
		s.Rejected += sc.Rejected
		s.Unreadable += sc.Unreadable
		for _, it := range sc.Items {
			s.ClassCounts[it.Classification]++
		}
		s.Durations = append(s.Durations, sc.Durations...)
	}

	for _, so := range sorts {
		s.Placed += so.Placed
		s.Failed += len(so.Failed)
		s.Unmoved += len(so.Unmoved)
		s.RackReplacements += so.RackReplacements
	}

	for _, d := range matrix {
		s.Fill = append(s.Fill, GridFill{
			ID:             d.ID,
			Classification: d.Classification,
			Filled:         d.Filled,
			Capacity:       d.Capacity(),
			Replaced:       len(d.Replaced),
		})
	}

	s.Latency = LatencyStats(s.Durations)
	return s
}

// LatencyStats computes the empirical quantiles of ds in milliseconds.
func LatencyStats(ds []time.Duration) Latency {
	if len(ds) == 0 {
		return Latency{}
	}
	ms := make([]float64, len(ds))
	for i, d := range ds {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	slices.Sort(ms)
	return Latency{
		Count: len(ms),
		Mean:  stat.Mean(ms, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, ms, nil),
		P90:   stat.Quantile(0.9, stat.Empirical, ms, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, ms, nil),
		Max:   ms[len(ms)-1],
	}
}

// String is the one-line form logged at the end of a run.
func (s Summary) String() string {
	return fmt.Sprintf("run %s %s in %s: %d classified, %d assigned, %d queued, %d rejected, %d unreadable, %d placed, %d failed, %d unmoved, %d rack changes, latency p50 %.0fms p99 %.0fms",
		s.RunID, s.Outcome, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond),
		s.Classified, s.Assigned, s.Queued, s.Rejected, s.Unreadable,
		s.Placed, s.Failed, s.Unmoved, s.RackReplacements,
		s.Latency.P50, s.Latency.P99)
}
