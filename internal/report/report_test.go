package report

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/sorter"
)

func durations(ms ...int) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, m := range ms {
		out[i] = time.Duration(m) * time.Millisecond
	}
	return out
}

func TestLatencyStats(t *testing.T) {
	l := LatencyStats(durations(100, 30, 60, 10, 90, 20, 50, 80, 40, 70))
	assert.Equal(t, 10, l.Count)
	assert.InDelta(t, 55.0, l.Mean, 1e-9)
	assert.InDelta(t, 50.0, l.P50, 1e-9)
	assert.InDelta(t, 90.0, l.P90, 1e-9)
	assert.InDelta(t, 100.0, l.P99, 1e-9)
	assert.InDelta(t, 100.0, l.Max, 1e-9)

	assert.Equal(t, Latency{}, LatencyStats(nil))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeCompleted},
		{fmt.Errorf("%w: %w", coordinator.ErrAborted, coordinator.ErrStopped), OutcomeStopped},
		{fmt.Errorf("%w: %w", coordinator.ErrAborted, coordinator.ErrPauseTimeout), OutcomeAborted},
		{errors.New("store offline"), OutcomeFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "err=%v", tt.err)
	}
}

func sampleSummary() Summary {
	scans := []sorter.ScanResult{
		{
			SourceID: 0,
			Items: []sorter.Item{
				{Identifier: "A", Classification: sorter.ClassUGI},
				{Identifier: "B", Classification: sorter.ClassVPCH},
				{Identifier: "C", Classification: sorter.ClassUGI},
			},
			Assigned:   3,
			Unreadable: 1,
			Groups:     2,
			Durations:  durations(10, 20, 30),
		},
		{
			SourceID: 1,
			Items: []sorter.Item{
				{Identifier: "D", Classification: sorter.ClassError},
			},
			Rejected:  1,
			Groups:    1,
			Durations: durations(40),
		},
	}
	sorts := []sorter.SortResult{
		{SourceID: 0, Placed: 2, Failed: []sorter.ItemFailure{{Stage: sorter.StagePickup}}, RackReplacements: 1},
		{SourceID: 1},
	}
	matrix := []sorter.GridDump{
		{DestinationGrid: sorter.DestinationGrid{ID: 0, Classification: sorter.ClassUGI, Rows: 10, Cols: 6, Filled: 2}},
		{DestinationGrid: sorter.DestinationGrid{ID: 1, Classification: sorter.ClassVPCH, Rows: 10, Cols: 6, Filled: 1}},
	}
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return Summarize("run-1", start, start.Add(90*time.Second), scans, sorts, matrix, nil)
}

func TestSummarize(t *testing.T) {
	s := sampleSummary()

	assert.Equal(t, OutcomeCompleted, s.Outcome)
	assert.Empty(t, s.Error)
	assert.Equal(t, 2, s.Sources)
	assert.Equal(t, 3, s.Groups)
	assert.Equal(t, 4, s.Classified)
	assert.Equal(t, 3, s.Assigned)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 1, s.Unreadable)
	assert.Equal(t, 2, s.Placed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.RackReplacements)
	assert.Equal(t, map[sorter.Classification]int{
		sorter.ClassUGI:   2,
		sorter.ClassVPCH:  1,
		sorter.ClassError: 1,
	}, s.ClassCounts)
	assert.Equal(t, 4, s.Latency.Count)
	assert.InDelta(t, 25.0, s.Latency.Mean, 1e-9)
	require.Len(t, s.Fill, 2)
	assert.Equal(t, GridFill{ID: 1, Classification: sorter.ClassVPCH, Filled: 1, Capacity: 60}, s.Fill[1])
	assert.Contains(t, s.String(), "run run-1 completed in 1m30s")
}

func TestSummarizeRecordsError(t *testing.T) {
	err := fmt.Errorf("%w: %w", coordinator.ErrAborted, coordinator.ErrStopped)
	s := Summarize("run-2", time.Time{}, time.Time{}, nil, nil, nil, err)
	assert.Equal(t, OutcomeStopped, s.Outcome)
	assert.Equal(t, err.Error(), s.Error)
	assert.Zero(t, s.Latency.Count)
}

func TestRenderFill(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderFill(&buf, sampleSummary()))
	html := buf.String()
	assert.Contains(t, html, "Destination fill")
	assert.Contains(t, html, "D0 UGI")
	assert.Contains(t, html, "D1 VPCH")
	assert.Contains(t, html, "run-1")
}

func TestRenderFillWithoutRun(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderFill(&buf, Summary{}))
	assert.Contains(t, buf.String(), "no run yet")
}

func TestRenderLatencyPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderLatencyPNG(&buf, sampleSummary()))
	require.Greater(t, buf.Len(), 8)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), buf.Bytes()[:8])
}

func TestRenderLatencyNoData(t *testing.T) {
	var buf bytes.Buffer
	err := RenderLatencyPNG(&buf, Summary{})
	assert.ErrorIs(t, err, ErrNoData)
	assert.Zero(t, buf.Len())
}
