package sorter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tubesort/internal/events"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/timeutil"
)

// ErrNoDestinationOrigin is reported for items whose destination grid has no
// configured origin.
var ErrNoDestinationOrigin = errors.New("no origin configured for destination grid")

// Failure stages reported in ItemFailure.
const (
	StagePickup = "pickup"
	StagePlace  = "place"
	StageOrigin = "origin"
	StageAssign = "assign"
)

// PlaceConfig holds the pick-and-place heights, channels and timings.
type PlaceConfig struct {
	PitchX float64
	PitchY float64

	// PickupZ is the grip height over the source cell. The approach height
	// is the source grid's SortOrigin.Z.
	PickupZ float64
	LiftZ   float64
	// PlaceSafeZ is the approach height over the destination cell.
	PlaceSafeZ float64
	DropZ      float64

	GripChannel    int
	ReleaseChannel int

	GripSettle        time.Duration
	PickupHold        time.Duration
	ReleasePulse      time.Duration
	CompensationPulse time.Duration

	// RackCapacity is the number of tubes a physical destination rack
	// holds. It must be a multiple of the destination grid's columns.
	RackCapacity int
	PausePose    Pose
}

// DefaultPlaceConfig returns the reference heights and timings.
func DefaultPlaceConfig() PlaceConfig {
	return PlaceConfig{
		PitchX:            20.7,
		PitchY:            20.7,
		PickupZ:           139,
		LiftZ:             200,
		PlaceSafeZ:        200,
		DropZ:             146,
		GripChannel:       2,
		ReleaseChannel:    1,
		GripSettle:        100 * time.Millisecond,
		PickupHold:        time.Second,
		ReleasePulse:      100 * time.Millisecond,
		CompensationPulse: 500 * time.Millisecond,
		RackCapacity:      60,
		PausePose:         Pose{X: -512, Y: 310, Z: 195},
	}
}

// ItemFailure records a tube that could not be moved.
type ItemFailure struct {
	Item  Item
	Stage string
	Err   error
}

// SortResult summarises one source grid's sort phase.
type SortResult struct {
	SourceID int
	Placed   int
	Failed   []ItemFailure
	// Unmoved lists the items left in the source grid because the phase
	// aborted before reaching them.
	Unmoved []Item
	// Requeued counts items that waited for a fresh rack and were placed
	// from it.
	Requeued         int
	RackReplacements int
	Aborted          bool
	AbortReason      error
}

// PlaceEngine moves assigned tubes from their source cells to their
// destination slots. It is driven from a single goroutine.
type PlaceEngine struct {
	Arm         Manipulator
	Allocator   *Allocator
	Coordinator RackCoordinator
	// DestOrigins maps a destination grid id to the pose of its slot (0,0).
	DestOrigins map[int]Pose
	Config      PlaceConfig
	Clock       timeutil.Clock

	Events events.Publisher
	RunID  string

	// placed counts tubes physically placed in the current rack of each
	// destination grid; rack is the index of that rack within the grid.
	placed  map[int]int
	rack    map[int]int
	metrics *monitoring.Metrics
}

// NewPlaceEngine returns an engine with empty placed counters.
func NewPlaceEngine(arm Manipulator, alloc *Allocator, coord RackCoordinator, destOrigins map[int]Pose, cfg PlaceConfig) *PlaceEngine {
	return &PlaceEngine{
		Arm:         arm,
		Allocator:   alloc,
		Coordinator: coord,
		DestOrigins: destOrigins,
		Config:      cfg,
		Clock:       timeutil.RealClock{},
		placed:      make(map[int]int),
		rack:        make(map[int]int),
		metrics:     monitoring.NewMetrics(),
	}
}

// PlacedCount returns the number of tubes in the current rack of grid id.
func (e *PlaceEngine) PlacedCount(gridID int) int { return e.placed[gridID] }

// rackSlot maps an allocator destination onto a rack index and the slot
// inside that rack.
func (e *PlaceEngine) rackSlot(d Destination) (rack, row, col int) {
	cols := 1
	if g, ok := e.Allocator.GridByID(d.GridID); ok && g.Cols > 0 {
		cols = g.Cols
	}
	capacity := e.Config.RackCapacity
	if capacity <= 0 {
		return 0, d.Row, d.Col
	}
	idx := d.Row*cols + d.Col
	slot := idx % capacity
	return idx / capacity, slot / cols, slot % cols
}

// SortSource moves every assigned item of src in assignment order, then the
// items of src that were queued behind a full destination grid. Device
// faults fail only the current item; a checkpoint abort or an unconfirmed
// rack replacement ends the phase and leaves the remaining items unmoved.
// The returned error is the abort reason.
func (e *PlaceEngine) SortSource(ctx context.Context, src SourceGrid) (SortResult, error) {
	if e.placed == nil {
		e.placed = make(map[int]int)
	}
	if e.rack == nil {
		e.rack = make(map[int]int)
	}
	if e.metrics == nil {
		e.metrics = monitoring.NewMetrics()
	}
	if e.Clock == nil {
		e.Clock = timeutil.RealClock{}
	}

	items := e.Allocator.ItemsForSource(src.ID)
	res := SortResult{SourceID: src.ID}
	monitoring.Logf("sort: source %d, %d tubes", src.ID, len(items))

	for i, it := range items {
		if err := e.Coordinator.Checkpoint(ctx); err != nil {
			e.abort(&res, items[i:], err)
			break
		}
		if err := e.ensureRack(ctx, it, &res); err != nil {
			e.abort(&res, items[i:], err)
			break
		}
		e.move(ctx, src, it, fmt.Sprintf("%d/%d", i+1, len(items)), &res)
	}

	if res.Aborted {
		res.Unmoved = append(res.Unmoved, e.Allocator.Queued(src.ID)...)
	} else {
		e.sortQueued(ctx, src, &res)
	}

	monitoring.Logf("sort: source %d done: %d placed, %d failed, %d unmoved",
		src.ID, res.Placed, len(res.Failed), len(res.Unmoved))
	return res, res.AbortReason
}

// sortQueued places the items of src that arrived after their destination
// grid was full. A grid that is still full asks for a fresh rack first and
// then fills again from (0,0).
func (e *PlaceEngine) sortQueued(ctx context.Context, src SourceGrid, res *SortResult) {
	queued := e.Allocator.Queued(src.ID)
	if len(queued) == 0 {
		return
	}
	monitoring.Logf("sort: source %d, %d tubes waiting for a fresh rack", src.ID, len(queued))

	for i, it := range queued {
		if err := e.Coordinator.Checkpoint(ctx); err != nil {
			e.abort(res, queued[i:], err)
			return
		}
		if e.Allocator.Full(it.Classification) {
			g, _ := e.Allocator.Grid(it.Classification)
			if err := e.replaceRack(ctx, it.Classification, g.ID); err != nil {
				e.abort(res, queued[i:], err)
				return
			}
			if err := e.Allocator.ResetGrid(it.Classification); err != nil {
				e.abort(res, queued[i:], err)
				return
			}
			e.rack[g.ID] = 0
			res.RackReplacements++
		}

		assigned, err := e.Allocator.AssignQueued(it)
		if err != nil {
			e.fail(ctx, res, it, StageAssign, err)
			continue
		}
		if err := e.ensureRack(ctx, assigned, res); err != nil {
			e.abort(res, queued[i:], err)
			return
		}
		if e.move(ctx, src, assigned, fmt.Sprintf("queued %d/%d", i+1, len(queued)), res) {
			res.Requeued++
		}
	}
}

// ensureRack runs the rack replacement protocol when the physical rack the
// item is headed for is already full.
func (e *PlaceEngine) ensureRack(ctx context.Context, it Item, res *SortResult) error {
	d := *it.Destination
	rack, _, _ := e.rackSlot(d)
	if !e.rackFull(d.GridID, rack) {
		return nil
	}
	if err := e.replaceRack(ctx, it.Classification, d.GridID); err != nil {
		return err
	}
	e.rack[d.GridID] = rack
	res.RackReplacements++
	return nil
}

// move picks it from src and places it in its destination slot. Faults are
// recorded against the item and reported as false.
func (e *PlaceEngine) move(ctx context.Context, src SourceGrid, it Item, progress string, res *SortResult) bool {
	d := *it.Destination
	rack, row, col := e.rackSlot(d)

	monitoring.Logf("sort: [%s] %s (%s) S%d[%d][%d] -> D%d[%d][%d]",
		progress, it.Identifier, it.Classification,
		it.Source.GridID, it.Source.Row, it.Source.Col, d.GridID, row, col)

	origin, ok := e.DestOrigins[d.GridID]
	if !ok {
		e.fail(ctx, res, it, StageOrigin, fmt.Errorf("%w %d", ErrNoDestinationOrigin, d.GridID))
		return false
	}

	px := src.SortOrigin.X + float64(it.Source.Row)*e.Config.PitchX
	py := src.SortOrigin.Y + float64(it.Source.Col)*e.Config.PitchY
	if err := e.pickup(ctx, px, py, src.SortOrigin.Z); err != nil {
		e.fail(ctx, res, it, StagePickup, err)
		return false
	}

	dx := origin.X + float64(row)*e.Config.PitchX
	dy := origin.Y + float64(col)*e.Config.PitchY
	if err := e.place(ctx, dx, dy); err != nil {
		e.compensate(ctx)
		e.fail(ctx, res, it, StagePlace, err)
		return false
	}

	e.placed[d.GridID]++
	res.Placed++
	e.metrics.Placements.WithLabelValues("placed").Inc()
	events.Emit(ctx, e.Events, events.Event{Kind: events.ItemPlaced, RunID: e.RunID, Data: map[string]any{
		"identifier":  it.Identifier,
		"source":      it.Source,
		"destination": Destination{GridID: d.GridID, Row: row, Col: col},
		"rack":        rack,
	}})
	return true
}

func (e *PlaceEngine) rackFull(gridID, rack int) bool {
	if e.Config.RackCapacity <= 0 {
		return false
	}
	return e.placed[gridID] >= e.Config.RackCapacity || rack > e.rack[gridID]
}

func (e *PlaceEngine) abort(res *SortResult, remaining []Item, err error) {
	res.Aborted = true
	res.AbortReason = err
	res.Unmoved = append(res.Unmoved, remaining...)
	monitoring.Logf("sort: source %d aborted with %d tubes unmoved: %v", res.SourceID, len(remaining), err)
}

func (e *PlaceEngine) fail(ctx context.Context, res *SortResult, it Item, stage string, err error) {
	res.Failed = append(res.Failed, ItemFailure{Item: it, Stage: stage, Err: err})
	e.metrics.Placements.WithLabelValues(stage + "_failed").Inc()
	monitoring.Logf("sort: %s %s failed: %v", it.Identifier, stage, err)
	events.Emit(ctx, e.Events, events.Event{Kind: events.ItemFailed, RunID: e.RunID, Data: map[string]any{
		"identifier": it.Identifier,
		"source":     it.Source,
		"stage":      stage,
		"error":      err.Error(),
	}})
}

// replaceRack parks the arm at the pause pose and blocks until the operator
// confirms a fresh rack for the grid.
func (e *PlaceEngine) replaceRack(ctx context.Context, class Classification, gridID int) error {
	tag := string(class)
	monitoring.Logf("sort: destination %d (%s) full after %d tubes, requesting rack replacement", gridID, tag, e.placed[gridID])
	if err := e.Arm.MoveTo(ctx, e.Config.PausePose); err != nil {
		monitoring.Logf("sort: move to pause pose %s failed: %v", e.Config.PausePose, err)
	}
	events.Emit(ctx, e.Events, events.Event{Kind: events.RackRequested, RunID: e.RunID, Data: map[string]any{"grid_id": gridID, "tag": tag}})

	if err := e.Coordinator.RequestRackReplacement(ctx, tag); err != nil {
		e.metrics.RackReplacements.WithLabelValues("aborted").Inc()
		return err
	}

	e.placed[gridID] = 0
	e.metrics.RackReplacements.WithLabelValues("confirmed").Inc()
	events.Emit(ctx, e.Events, events.Event{Kind: events.RackReplaced, RunID: e.RunID, Data: map[string]any{"grid_id": gridID, "tag": tag}})
	monitoring.Logf("sort: rack %s replaced, continuing", tag)
	return nil
}

// pickup grips the tube at (x,y). The gripper output is switched off on
// every failure path.
func (e *PlaceEngine) pickup(ctx context.Context, x, y, safeZ float64) error {
	if err := e.Arm.MoveTo(ctx, Pose{X: x, Y: y, Z: safeZ}); err != nil {
		e.gripOff(ctx)
		return fmt.Errorf("approach: %w", err)
	}
	if err := e.Arm.SetOutput(ctx, e.Config.GripChannel, true); err != nil {
		e.gripOff(ctx)
		return fmt.Errorf("grip on: %w", err)
	}
	e.Clock.Sleep(e.Config.GripSettle)

	if err := e.Arm.MoveTo(ctx, Pose{X: x, Y: y, Z: e.Config.PickupZ}); err != nil {
		e.gripOff(ctx)
		return fmt.Errorf("descend: %w", err)
	}
	e.Clock.Sleep(e.Config.PickupHold)
	if err := e.Arm.SetOutput(ctx, e.Config.GripChannel, false); err != nil {
		e.gripOff(ctx)
		return fmt.Errorf("grip off: %w", err)
	}

	if err := e.Arm.MoveTo(ctx, Pose{X: x, Y: y, Z: e.Config.LiftZ}); err != nil {
		e.gripOff(ctx)
		return fmt.Errorf("lift: %w", err)
	}
	return nil
}

func (e *PlaceEngine) place(ctx context.Context, x, y float64) error {
	if err := e.Arm.MoveTo(ctx, Pose{X: x, Y: y, Z: e.Config.PlaceSafeZ}); err != nil {
		return fmt.Errorf("approach: %w", err)
	}
	if err := e.Arm.MoveTo(ctx, Pose{X: x, Y: y, Z: e.Config.DropZ}); err != nil {
		return fmt.Errorf("descend: %w", err)
	}
	return e.pulse(ctx, e.Config.ReleaseChannel, e.Config.ReleasePulse)
}

// compensate leaves the end effector safe after a failed place: grip off,
// then a long release pulse so no tube stays held.
func (e *PlaceEngine) compensate(ctx context.Context) {
	e.gripOff(ctx)
	if err := e.pulse(ctx, e.Config.ReleaseChannel, e.Config.CompensationPulse); err != nil {
		monitoring.Logf("sort: compensation release pulse failed: %v", err)
	}
}

func (e *PlaceEngine) gripOff(ctx context.Context) {
	// Runs even when ctx is cancelled.
	if err := e.Arm.SetOutput(context.WithoutCancel(ctx), e.Config.GripChannel, false); err != nil {
		monitoring.Logf("sort: grip off failed: %v", err)
	}
}

func (e *PlaceEngine) pulse(ctx context.Context, channel int, d time.Duration) error {
	if err := e.Arm.SetOutput(ctx, channel, true); err != nil {
		return fmt.Errorf("output %d on: %w", channel, err)
	}
	e.Clock.Sleep(d)
	if err := e.Arm.SetOutput(context.WithoutCancel(ctx), channel, false); err != nil {
		return fmt.Errorf("output %d off: %w", channel, err)
	}
	return nil
}
