package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tubesort/internal/arm"
	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/events"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/report"
	"github.com/banshee-data/tubesort/internal/scanner"
	"github.com/banshee-data/tubesort/internal/sorter"
	"github.com/banshee-data/tubesort/internal/testutil"
	"github.com/banshee-data/tubesort/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// parityClassifier sends odd simulator ids to ugi and even ids to vpch.
type parityClassifier struct {
	all sorter.Classification
}

func (p parityClassifier) Classify(_ context.Context, id string) (sorter.Classification, error) {
	if p.all != "" {
		return p.all, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, "SIM"))
	if err != nil {
		return sorter.ClassError, err
	}
	if n%2 == 1 {
		return sorter.ClassUGI, nil
	}
	return sorter.ClassVPCH, nil
}

// hookScanner runs onTrigger before delegating the n-th trigger (1-based).
type hookScanner struct {
	inner     sorter.Scanner
	n         atomic.Int32
	onTrigger func(ctx context.Context, n int) error
}

func (h *hookScanner) TriggerAndRead(ctx context.Context, dwell time.Duration) (string, error) {
	n := int(h.n.Add(1))
	if h.onTrigger != nil {
		if err := h.onTrigger(ctx, n); err != nil {
			return "", err
		}
	}
	return h.inner.TriggerAndRead(ctx, dwell)
}

type harness struct {
	drv    *arm.SimDriver
	scan   *hookScanner
	store  *coordinator.MemoryStore
	coord  *coordinator.Coordinator
	rec    *events.Recorder
	runner *Runner
}

func newHarness(t *testing.T, class parityClassifier) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	drv := arm.NewSimDriver()
	motion := arm.NewMotion(drv, arm.MotionConfig{Program: "Motion", Timeout: time.Second, PollInterval: 10 * time.Millisecond})
	motion.Clock = clock

	store := coordinator.NewMemoryStore()
	ccfg := coordinator.DefaultConfig()
	ccfg.PollInterval = time.Millisecond
	ccfg.PauseTimeout = 5 * time.Second
	ccfg.RackTimeout = 5 * time.Second
	coord := coordinator.New(store, motion, ccfg)

	scan := &hookScanner{inner: scanner.NewSimDevice(3)}
	scfg := sorter.DefaultScanConfig()
	scfg.Dwell = 0
	scfg.ClassifyTimeout = time.Second

	pcfg := sorter.DefaultPlaceConfig()
	pcfg.RackCapacity = 6

	rec := &events.Recorder{}
	return &harness{
		drv:   drv,
		scan:  scan,
		store: store,
		coord: coord,
		rec:   rec,
		runner: &Runner{
			Coordinator: coord,
			Arm:         motion,
			Scanner:     scan,
			Classifier:  class,
			Specs: []sorter.GridSpec{
				{Classification: sorter.ClassUGI, Rows: 2, Cols: 3},
				{Classification: sorter.ClassVPCH, Rows: 2, Cols: 3},
			},
			DestOrigins: map[int]sorter.Pose{0: {X: -93, Y: 317, Z: 146}, 1: {X: -315, Y: 317, Z: 146}},
			ScanConfig:  scfg,
			PlaceConfig: pcfg,
			Events:      rec,
			Clock:       clock,
		},
	}
}

func grid(id int, rows ...string) sorter.SourceGrid {
	return sorter.SourceGrid{
		ID:         id,
		Mask:       testutil.Mask(rows...),
		ScanOrigin: sorter.Pose{X: 175, Y: 280, Z: 200},
		SortOrigin: sorter.Pose{X: 129, Y: 317, Z: 148},
	}
}

func hasPausePose(drv *arm.SimDriver) bool {
	pause := arm.FormatRegister(arm.RegisterX, sorter.DefaultPlaceConfig().PausePose.X)
	for _, c := range drv.Commands() {
		if c == pause {
			return true
		}
	}
	return false
}

func TestRunner_CompletesRun(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	ctx := context.Background()
	_, err := h.coord.Start(ctx, "run-1")
	require.NoError(t, err)

	rep := h.runner.Run(ctx, "run-1", []sorter.SourceGrid{grid(0, "111", "111")})

	require.NoError(t, rep.Err)
	assert.Equal(t, report.OutcomeCompleted, rep.Summary.Outcome)
	assert.Equal(t, 6, rep.Summary.Classified)
	assert.Equal(t, 6, rep.Summary.Assigned)
	assert.Equal(t, 6, rep.Summary.Placed)
	assert.Zero(t, rep.Summary.Failed)
	assert.Zero(t, rep.Summary.RackReplacements)
	assert.Equal(t, 3, rep.Summary.ClassCounts[sorter.ClassUGI])
	assert.Equal(t, 3, rep.Summary.ClassCounts[sorter.ClassVPCH])
	require.Len(t, rep.Matrix, 2)
	assert.Equal(t, 3, rep.Matrix[0].Filled)
	assert.ElementsMatch(t, []string{"SIM000001", "SIM000003", "SIM000005"}, rep.Matrix[0].Cells[0])

	st, err := h.coord.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, coordinator.CommandFinished, st.Command)
	assert.Equal(t, 0, st.CurrentSource)

	assert.Equal(t, 1, h.rec.Count(events.RunStarted))
	assert.Equal(t, 6, h.rec.Count(events.ItemClassified))
	assert.Equal(t, 6, h.rec.Count(events.ItemPlaced))
	assert.Equal(t, 1, h.rec.Count(events.RunFinished))

	assert.False(t, h.drv.Output(sorter.DefaultPlaceConfig().GripChannel), "gripper left on")
}

func TestRunner_BadSpecsFail(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	h.runner.Specs = h.runner.Specs[:1]
	ctx := context.Background()
	_, err := h.coord.Start(ctx, "run-1")
	require.NoError(t, err)

	rep := h.runner.Run(ctx, "run-1", []sorter.SourceGrid{grid(0, "111")})

	require.Error(t, rep.Err)
	assert.Equal(t, report.OutcomeFailed, rep.Summary.Outcome)
	assert.Zero(t, h.scan.n.Load())
	st, _ := h.coord.Status(ctx)
	assert.False(t, st.Running)
}

func TestRunner_StopDuringScanSkipsSortPhase(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	ctx := context.Background()
	h.scan.onTrigger = func(ctx context.Context, n int) error {
		if n == 1 {
			_, err := h.coord.Stop(ctx)
			return err
		}
		return nil
	}
	_, err := h.coord.Start(ctx, "run-1")
	require.NoError(t, err)

	rep := h.runner.Run(ctx, "run-1", []sorter.SourceGrid{grid(0, "111", "111"), grid(1, "111")})

	require.ErrorIs(t, rep.Err, coordinator.ErrStopped)
	assert.Equal(t, report.OutcomeStopped, rep.Summary.Outcome)
	require.Len(t, rep.Scans, 1)
	assert.True(t, rep.Scans[0].Aborted)
	// Row 0 was read before the stop was observed and is still classified.
	assert.Equal(t, 3, rep.Summary.Classified)
	assert.Empty(t, rep.Sorts)
	assert.Zero(t, h.rec.Count(events.ItemPlaced))

	st, _ := h.coord.Status(ctx)
	assert.Equal(t, coordinator.CommandStop, st.Command)
}

func TestRunner_RackTimeoutMovesOnToNextSource(t *testing.T) {
	h := newHarness(t, parityClassifier{all: sorter.ClassUGI})
	h.runner.PlaceConfig.RackCapacity = 3
	cfg := coordinator.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.RackTimeout = 20 * time.Millisecond
	h.coord = coordinator.New(h.store, h.runner.Arm, cfg)
	h.runner.Coordinator = h.coord

	ctx := context.Background()
	_, err := h.coord.Start(ctx, "run-1")
	require.NoError(t, err)

	rep := h.runner.Run(ctx, "run-1", []sorter.SourceGrid{grid(0, "111", "1"), grid(1, "11")})

	require.NoError(t, rep.Err)
	require.Len(t, rep.Sorts, 2)
	assert.ErrorIs(t, rep.Sorts[0].AbortReason, coordinator.ErrRackTimeout)
	assert.Equal(t, 3, rep.Sorts[0].Placed)
	assert.Len(t, rep.Sorts[0].Unmoved, 1)
	assert.ErrorIs(t, rep.Sorts[1].AbortReason, coordinator.ErrRackTimeout)
	assert.Len(t, rep.Sorts[1].Unmoved, 2)
	assert.Equal(t, 3, rep.Summary.Placed)
	assert.Equal(t, 3, rep.Summary.Unmoved)
	assert.Equal(t, 2, h.rec.Count(events.RackRequested))
	assert.Zero(t, h.rec.Count(events.RackReplaced))

	st, _ := h.coord.Status(ctx)
	assert.Empty(t, st.RackToChange)
	assert.Equal(t, 1, st.CurrentSource)
}

func TestService_RunWithRackReplacements(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	h.runner.PlaceConfig.RackCapacity = 3
	svc := NewService(h.runner, []sorter.SourceGrid{grid(0, "111", "111", "111")})
	svc.NewRunID = func() string { return "run-rack" }
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-rack", st.RunID)

	stopConfirm := make(chan struct{})
	confirmed := make(chan int, 1)
	go func() {
		n := 0
		defer func() { confirmed <- n }()
		for {
			select {
			case <-stopConfirm:
				return
			case <-time.After(time.Millisecond):
			}
			st, err := svc.Status(ctx)
			if err != nil || st.RackToChange == "" {
				continue
			}
			if ok, err := svc.ConfirmRack(ctx, ""); err == nil && ok {
				n++
			}
		}
	}()

	svc.Wait()
	close(stopConfirm)
	assert.Equal(t, 2, <-confirmed)

	sum, ok := svc.Summary()
	require.True(t, ok)
	assert.Equal(t, "run-rack", sum.RunID)
	assert.Equal(t, report.OutcomeCompleted, sum.Outcome)
	assert.Equal(t, 9, sum.Placed)
	assert.Equal(t, 2, sum.RackReplacements)
	assert.Equal(t, 2, h.rec.Count(events.RackReplaced))
	assert.True(t, hasPausePose(h.drv))
	assert.Len(t, svc.Items(), 9)
	require.Len(t, svc.Matrix(), 2)
}

// confirmRacks acknowledges every rack request svc raises until the returned
// function is called, which reports how many were confirmed.
func confirmRacks(ctx context.Context, svc *Service) func() int {
	done := make(chan struct{})
	confirmed := make(chan int, 1)
	go func() {
		n := 0
		defer func() { confirmed <- n }()
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
			st, err := svc.Status(ctx)
			if err != nil || st.RackToChange == "" {
				continue
			}
			if ok, err := svc.ConfirmRack(ctx, st.RackToChange); err == nil && ok {
				n++
			}
		}
	}()
	return func() int {
		close(done)
		return <-confirmed
	}
}

func TestService_SixtyFirstTubeWaitsForFreshRack(t *testing.T) {
	h := newHarness(t, parityClassifier{all: sorter.ClassUGI})
	h.runner.Specs = []sorter.GridSpec{
		{Classification: sorter.ClassUGI, Rows: 10, Cols: 6},
		{Classification: sorter.ClassVPCH, Rows: 10, Cols: 6},
	}
	h.runner.PlaceConfig.RackCapacity = 60
	rows := make([]string, 0, 11)
	for range 10 {
		rows = append(rows, "111111")
	}
	rows = append(rows, "1")
	svc := NewService(h.runner, []sorter.SourceGrid{grid(0, rows...)})
	ctx := context.Background()

	_, err := svc.Start(ctx)
	require.NoError(t, err)
	stop := confirmRacks(ctx, svc)
	svc.Wait()
	assert.Equal(t, 1, stop(), "rack replacement requested exactly once")

	rep := svc.LastReport()
	require.NotNil(t, rep)
	require.NoError(t, rep.Err)
	require.Len(t, rep.Scans, 1)
	assert.Equal(t, 60, rep.Scans[0].Assigned)
	assert.Equal(t, 1, rep.Scans[0].Queued)
	assert.Zero(t, rep.Scans[0].Rejected)

	require.Len(t, rep.Sorts, 1)
	assert.Equal(t, 61, rep.Sorts[0].Placed)
	assert.Equal(t, 1, rep.Sorts[0].Requeued)
	assert.Equal(t, 1, rep.Sorts[0].RackReplacements)
	assert.Empty(t, rep.Sorts[0].Unmoved)
	assert.Equal(t, 1, h.rec.Count(events.RackRequested))
	assert.Equal(t, 1, h.rec.Count(events.RackReplaced))

	// The first rack is kept in the matrix and the 61st tube sits at (0,0)
	// of the second.
	ugi := rep.Matrix[0]
	require.Len(t, ugi.Replaced, 1)
	assert.Equal(t, 60, ugi.Replaced[0].Filled)
	assert.Equal(t, 1, ugi.Filled)
	assert.NotEmpty(t, ugi.Cells[0][0])
	assert.Equal(t, 61, ugi.Total())
	assert.Zero(t, ugi.Queued)
	assert.Equal(t, 1, rep.Summary.Fill[0].Replaced)
	assert.Len(t, svc.Items(), 61)
}

func TestService_PauseAndResume(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	svc := NewService(h.runner, []sorter.SourceGrid{grid(0, "111", "111")})
	h.scan.onTrigger = func(ctx context.Context, n int) error {
		if n == 1 {
			_, err := svc.Pause(ctx)
			return err
		}
		return nil
	}
	ctx := context.Background()
	_, err := svc.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := svc.Status(ctx)
		return err == nil && st.Paused
	}, 5*time.Second, time.Millisecond)
	assert.True(t, hasPausePose(h.drv))

	_, err = svc.Resume(ctx)
	require.NoError(t, err)
	svc.Wait()

	sum, ok := svc.Summary()
	require.True(t, ok)
	assert.Equal(t, report.OutcomeCompleted, sum.Outcome)
	assert.Equal(t, 6, sum.Placed)
}

func TestService_StartRefusedWhileRunning(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	release := make(chan struct{})
	h.scan.onTrigger = func(ctx context.Context, n int) error {
		<-release
		return nil
	}
	svc := NewService(h.runner, []sorter.SourceGrid{grid(0, "111")})
	ctx := context.Background()
	_, err := svc.Start(ctx)
	require.NoError(t, err)

	_, err = svc.Start(ctx)
	assert.ErrorIs(t, err, coordinator.ErrAlreadyRunning)
	assert.ErrorIs(t, svc.Reset(ctx), ErrRunWindingDown)

	close(release)
	svc.Wait()

	_, err = svc.Start(ctx)
	require.NoError(t, err)
	svc.Wait()
}

func TestService_ShutdownCancelsRun(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	h.scan.onTrigger = func(ctx context.Context, n int) error {
		<-ctx.Done()
		return ctx.Err()
	}
	svc := NewService(h.runner, []sorter.SourceGrid{grid(0, "111", "111")})
	ctx := context.Background()
	_, err := svc.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.scan.n.Load() > 0 }, 5*time.Second, time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(sctx))

	rep := svc.LastReport()
	require.NotNil(t, rep)
	assert.ErrorIs(t, rep.Err, context.Canceled)
	assert.Equal(t, report.OutcomeAborted, rep.Summary.Outcome)
	st, _ := svc.Status(ctx)
	assert.False(t, st.Running)
}

func TestService_Masks(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	svc := NewService(h.runner, []sorter.SourceGrid{grid(0, "111"), grid(3, "11")})

	got := svc.Sources()
	got[0].Mask[0][0] = false
	assert.True(t, svc.Sources()[0].Mask[0][0], "Sources must return a copy")

	require.NoError(t, svc.SetMask(3, [][]bool{{true, false}, {true, true}}))
	assert.Equal(t, 3, svc.Sources()[1].ActiveCount())

	err := svc.SetMask(7, [][]bool{{true}})
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.ErrorIs(t, svc.SetMask(0, nil), ErrEmptyMask)
}

func TestService_ResetClearsStaleState(t *testing.T) {
	h := newHarness(t, parityClassifier{})
	svc := NewService(h.runner, nil)
	ctx := context.Background()
	_, err := h.coord.Start(ctx, "crashed")
	require.NoError(t, err)

	require.NoError(t, svc.Reset(ctx))
	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, coordinator.SameContent(coordinator.DefaultState(), st))

	_, ok := svc.Summary()
	assert.False(t, ok)
	assert.Nil(t, svc.Matrix())
	assert.NoError(t, svc.Shutdown(ctx))
}
