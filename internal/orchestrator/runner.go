// Package orchestrator runs sorting jobs: every source grid is scanned and
// classified first, the destination matrix is dumped, and then every source
// grid is sorted. Service wraps the runner with the start/stop lifecycle the
// control plane drives.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/events"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/report"
	"github.com/banshee-data/tubesort/internal/sorter"
	"github.com/banshee-data/tubesort/internal/timeutil"
)

// Runner holds the devices and configuration shared by every run.
type Runner struct {
	Coordinator *coordinator.Coordinator
	Arm         sorter.Manipulator
	Scanner     sorter.Scanner
	Classifier  sorter.Classifier

	Specs       []sorter.GridSpec
	DestOrigins map[int]sorter.Pose
	ScanConfig  sorter.ScanConfig
	PlaceConfig sorter.PlaceConfig

	Events events.Publisher
	Clock  timeutil.Clock

	// OnAllocator, if set, receives the run's allocator as soon as it
	// exists so the matrix can be read while the run is in progress.
	OnAllocator func(*sorter.Allocator)
}

// RunReport is everything a finished run produced.
type RunReport struct {
	RunID string
	Scans []sorter.ScanResult
	Sorts []sorter.SortResult
	// Matrix is the allocator dump taken at the end of the scan phase and
	// refreshed once the sort phase ends.
	Matrix  []sorter.GridDump
	Summary report.Summary
	Err     error
}

// Run executes one run over sources and marks it finished in the
// coordinator. It always returns a report; Err is the reason the run ended
// early, nil when every source was sorted.
func (r *Runner) Run(ctx context.Context, runID string, sources []sorter.SourceGrid) *RunReport {
	clock := r.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	metrics := monitoring.NewMetrics()
	metrics.RunActive.Set(1)
	defer metrics.RunActive.Set(0)

	started := clock.Now()
	rep := &RunReport{RunID: runID}
	monitoring.Logf("run %s: starting with %d source grids", runID, len(sources))
	events.Emit(ctx, r.Events, events.Event{Kind: events.RunStarted, RunID: runID, Data: map[string]any{
		"sources": len(sources),
	}})

	rep.Err = r.run(ctx, runID, sources, rep)

	if err := r.Coordinator.Finish(context.WithoutCancel(ctx), runID); err != nil {
		monitoring.Logf("run %s: mark finished: %v", runID, err)
	}

	rep.Summary = report.Summarize(runID, started, clock.Now(), rep.Scans, rep.Sorts, rep.Matrix, rep.Err)
	monitoring.Logf("%s", rep.Summary)
	events.Emit(context.WithoutCancel(ctx), r.Events, events.Event{Kind: events.RunFinished, RunID: runID, Data: rep.Summary})
	return rep
}

func (r *Runner) run(ctx context.Context, runID string, sources []sorter.SourceGrid, rep *RunReport) error {
	alloc, err := sorter.NewAllocator(r.Specs)
	if err != nil {
		return fmt.Errorf("build allocator: %w", err)
	}
	if r.OnAllocator != nil {
		r.OnAllocator(alloc)
	}

	scan := sorter.NewScanPipeline(r.Arm, r.Scanner, r.Classifier, alloc, r.Coordinator, r.ScanConfig)
	scan.Events = r.Events
	scan.RunID = runID

	var runErr error
	for _, src := range sources {
		r.setSource(ctx, runID, src.ID)
		res, err := scan.ScanSource(ctx, src)
		rep.Scans = append(rep.Scans, res)
		if err != nil {
			runErr = fmt.Errorf("scan source %d: %w", src.ID, err)
			break
		}
	}

	rep.Matrix = alloc.Matrix()
	var table strings.Builder
	if err := alloc.Format(&table); err == nil {
		monitoring.Logf("run %s: destination matrix after scan\n%s", runID, table.String())
	}
	if runErr != nil {
		return runErr
	}

	place := sorter.NewPlaceEngine(r.Arm, alloc, r.Coordinator, r.DestOrigins, r.PlaceConfig)
	if r.Clock != nil {
		place.Clock = r.Clock
	}
	place.Events = r.Events
	place.RunID = runID
	defer func() { rep.Matrix = alloc.Matrix() }()

	for _, src := range sources {
		r.setSource(ctx, runID, src.ID)
		res, err := place.SortSource(ctx, src)
		rep.Sorts = append(rep.Sorts, res)
		if err == nil {
			continue
		}
		if errors.Is(err, coordinator.ErrRackTimeout) {
			monitoring.Logf("run %s: source %d left %d tubes unmoved after rack timeout, continuing", runID, src.ID, len(res.Unmoved))
			continue
		}
		return fmt.Errorf("sort source %d: %w", src.ID, err)
	}
	return nil
}

func (r *Runner) setSource(ctx context.Context, runID string, id int) {
	if err := r.Coordinator.SetCurrentSource(ctx, id); err != nil {
		monitoring.Logf("run %s: record current source %d: %v", runID, id, err)
	}
}

