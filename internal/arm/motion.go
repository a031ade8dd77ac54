package arm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/sorter"
	"github.com/banshee-data/tubesort/internal/timeutil"
)

var (
	ErrMotionTimeout = errors.New("arm did not reach idle in time")
	ErrArmFault      = errors.New("arm reported a fault")
)

// Pose registers used by the motion program.
const (
	RegisterX = 1
	RegisterY = 2
	RegisterZ = 3
)

type MotionConfig struct {
	Program      string
	Timeout      time.Duration
	PollInterval time.Duration
}

func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		Program:      "Motion",
		Timeout:      30 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Motion implements sorter.Manipulator on top of a Driver. Commands are
// serialised so a move and an output change never interleave.
type Motion struct {
	drv   Driver
	cfg   MotionConfig
	Clock timeutil.Clock

	mu      sync.Mutex
	metrics *monitoring.Metrics
}

var _ sorter.Manipulator = (*Motion)(nil)

func NewMotion(drv Driver, cfg MotionConfig) *Motion {
	return &Motion{
		drv:     drv,
		cfg:     cfg,
		Clock:   timeutil.RealClock{},
		metrics: monitoring.NewMetrics(),
	}
}

// MoveTo loads p into the pose registers, starts the motion program and
// waits for the controller to report idle.
func (m *Motion) MoveTo(ctx context.Context, p sorter.Pose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range []struct {
		id int
		v  float64
	}{{RegisterX, p.X}, {RegisterY, p.Y}, {RegisterZ, p.Z}} {
		if err := m.drv.SetRegister(ctx, r.id, r.v); err != nil {
			m.metrics.ArmMoves.WithLabelValues("error").Inc()
			return fmt.Errorf("move to %s: %w", p, err)
		}
	}
	if err := m.drv.StartProgram(ctx, m.cfg.Program); err != nil {
		m.metrics.ArmMoves.WithLabelValues("error").Inc()
		return fmt.Errorf("move to %s: %w", p, err)
	}

	start := m.Clock.Now()
	err := timeutil.PollUntil(ctx, m.Clock, m.cfg.PollInterval, m.cfg.Timeout, func() (bool, error) {
		st, err := m.drv.Status(ctx)
		if err != nil {
			// A failed status read is retried until the timeout.
			monitoring.Logf("arm status read failed: %v", err)
			return false, nil
		}
		switch st {
		case StatusIdle:
			return true, nil
		case StatusError:
			return false, ErrArmFault
		}
		return false, nil
	})
	switch {
	case err == nil:
		m.metrics.ArmMoves.WithLabelValues("ok").Inc()
		m.metrics.ArmMoveDuration.Observe(m.Clock.Since(start).Seconds())
		return nil
	case errors.Is(err, timeutil.ErrWaitTimeout):
		m.metrics.ArmMoves.WithLabelValues("timeout").Inc()
		return fmt.Errorf("move to %s: %w after %s", p, ErrMotionTimeout, m.cfg.Timeout)
	case errors.Is(err, ErrArmFault):
		m.metrics.ArmMoves.WithLabelValues("fault").Inc()
		return fmt.Errorf("move to %s: %w", p, err)
	default:
		m.metrics.ArmMoves.WithLabelValues("error").Inc()
		return fmt.Errorf("move to %s: %w", p, err)
	}
}

// SetOutput switches a digital output.
func (m *Motion) SetOutput(ctx context.Context, channel int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.drv.SetOutput(ctx, channel, on); err != nil {
		return fmt.Errorf("set output %d=%v: %w", channel, on, err)
	}
	return nil
}

// Close releases the driver.
func (m *Motion) Close() error {
	return m.drv.Close()
}
