package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus collectors for a sorter process.
type Metrics struct {
	ScanGroups             *prometheus.CounterVec
	Classifications        *prometheus.CounterVec
	ClassificationDuration prometheus.Histogram
	Placements             *prometheus.CounterVec
	RackReplacements       *prometheus.CounterVec
	CheckpointAborts       *prometheus.CounterVec
	RunActive              prometheus.Gauge
	ArmMoves               *prometheus.CounterVec
	ArmMoveDuration        prometheus.Histogram
}

// NewMetrics returns the process-wide metrics, registering them with the
// default registry on first use. Repeated calls return the same instance so
// tests can construct pipelines freely.
//
// Metrics:
//   - tubesort_scan_groups_total{result} - scan groups visited (ok, motion_failed, scan_failed)
//   - tubesort_classifications_total{classification} - classification outcomes
//   - tubesort_classification_duration_seconds - classification request latency
//   - tubesort_placements_total{result} - pick-and-place outcomes (placed, pickup_failed, place_failed)
//   - tubesort_rack_replacements_total{result} - rack replacements (confirmed, timeout, aborted)
//   - tubesort_checkpoint_aborts_total{reason} - checkpoints that aborted a phase
//   - tubesort_run_active - 1 while a run is in progress
//   - tubesort_arm_moves_total{result} - arm moves (ok, timeout, fault, error)
//   - tubesort_arm_move_duration_seconds - time from program start to idle
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ScanGroups: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tubesort_scan_groups_total",
					Help: "Total number of scan groups visited",
				},
				[]string{"result"},
			),
			Classifications: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tubesort_classifications_total",
					Help: "Total number of classification outcomes",
				},
				[]string{"classification"},
			),
			ClassificationDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tubesort_classification_duration_seconds",
					Help:    "Latency of classification service requests",
					Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
				},
			),
			Placements: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tubesort_placements_total",
					Help: "Total number of pick-and-place attempts by outcome",
				},
				[]string{"result"},
			),
			RackReplacements: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tubesort_rack_replacements_total",
					Help: "Total number of destination rack replacement requests by outcome",
				},
				[]string{"result"},
			),
			CheckpointAborts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tubesort_checkpoint_aborts_total",
					Help: "Total number of checkpoints that aborted the current phase",
				},
				[]string{"reason"},
			),
			RunActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "tubesort_run_active",
					Help: "Whether a sorting run is in progress",
				},
			),
			ArmMoves: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tubesort_arm_moves_total",
					Help: "Total number of arm moves by outcome",
				},
				[]string{"result"},
			),
			ArmMoveDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tubesort_arm_move_duration_seconds",
					Help:    "Time from motion program start until the arm reports idle",
					Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
				},
			),
		}
	})
	return globalMetrics
}
