package config

import (
	"strings"
	"time"

	"github.com/banshee-data/tubesort/internal/sorter"
)

// Device transports.
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
	TransportSim    = "sim"
)

func (c LogConfig) GetLevel() string  { return stringOr(c.Level, "info") }
func (c LogConfig) GetFormat() string { return stringOr(c.Format, "console") }

func (c ServerConfig) GetListen() string  { return stringOr(c.Listen, ":8080") }
func (c ServerConfig) GetStateDB() string { return stringOr(c.StateDB, "tubesort_state.db") }

func (c NATSConfig) GetURL() string { return stringOr(c.URL, "") }

func (c DeviceConfig) GetTransport() string { return stringOr(c.Transport, TransportSim) }
func (c DeviceConfig) GetAddress() string   { return stringOr(c.Address, "") }
func (c DeviceConfig) GetBaud() int         { return intOr(c.Baud, 115200) }

// GetTimeout bounds a single request/reply exchange with the device.
func (c DeviceConfig) GetTimeout() time.Duration { return durationOr(c.Timeout, 2*time.Second) }

func (c DeviceConfig) GetMotionProgram() string { return stringOr(c.MotionProgram, "Motion") }
func (c DeviceConfig) GetMotionTimeout() time.Duration {
	return durationOr(c.MotionTimeout, 30*time.Second)
}
func (c DeviceConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 100*time.Millisecond)
}
func (c DeviceConfig) GetGripChannel() int    { return intOr(c.GripChannel, 2) }
func (c DeviceConfig) GetReleaseChannel() int { return intOr(c.ReleaseChannel, 1) }
func (c DeviceConfig) GetDwell() time.Duration {
	return durationOr(c.Dwell, 200*time.Millisecond)
}

func (c ClassifierConfig) GetURL() string     { return stringOr(c.URL, "http://127.0.0.1:7114") }
func (c ClassifierConfig) GetMesType() string { return stringOr(c.MesType, "LA") }
func (c ClassifierConfig) GetTimeout() time.Duration {
	return durationOr(c.Timeout, 5*time.Second)
}

// GetCodes returns the configured code table, or nil to keep the client's
// identity mapping.
func (c ClassifierConfig) GetCodes() map[string]sorter.Classification {
	if len(c.Codes) == 0 {
		return nil
	}
	out := make(map[string]sorter.Classification, len(c.Codes))
	for code, name := range c.Codes {
		cl, err := sorter.ParseClassification(name)
		if err != nil {
			continue
		}
		out[strings.ToLower(code)] = cl
	}
	return out
}

func (c GeometryConfig) GetPitchX() float64     { return floatOr(c.PitchX, 20.7) }
func (c GeometryConfig) GetPitchY() float64     { return floatOr(c.PitchY, 20.7) }
func (c GeometryConfig) GetRowPitch() float64   { return floatOr(c.RowPitch, 20.7) }
func (c GeometryConfig) GetGroupPitch() float64 { return floatOr(c.GroupPitch, 62.1) }
func (c GeometryConfig) GetGroupSize() int      { return intOr(c.GroupSize, 3) }
func (c GeometryConfig) GetPickupZ() float64    { return floatOr(c.PickupZ, 139) }
func (c GeometryConfig) GetLiftZ() float64      { return floatOr(c.LiftZ, 200) }
func (c GeometryConfig) GetPlaceSafeZ() float64 { return floatOr(c.PlaceSafeZ, 200) }
func (c GeometryConfig) GetDropZ() float64      { return floatOr(c.DropZ, 146) }

func (c GeometryConfig) GetPausePose() sorter.Pose {
	if c.PausePose == nil {
		return sorter.Pose{X: -512, Y: 310, Z: 195}
	}
	return *c.PausePose
}

func (c RackConfig) GetCapacity() int { return intOr(c.Capacity, defaultGridRows*defaultGridCols) }

func (c TimingConfig) GetClassifyTimeout() time.Duration {
	return durationOr(c.ClassifyTimeout, 5*time.Second)
}
func (c TimingConfig) GetPauseTimeout() time.Duration {
	return durationOr(c.PauseTimeout, 300*time.Second)
}
func (c TimingConfig) GetRackTimeout() time.Duration {
	return durationOr(c.RackTimeout, 600*time.Second)
}
func (c TimingConfig) GetControlPoll() time.Duration {
	return durationOr(c.ControlPoll, 500*time.Millisecond)
}
func (c TimingConfig) GetGripSettle() time.Duration {
	return durationOr(c.GripSettle, 100*time.Millisecond)
}
func (c TimingConfig) GetPickupHold() time.Duration { return durationOr(c.PickupHold, time.Second) }
func (c TimingConfig) GetReleasePulse() time.Duration {
	return durationOr(c.ReleasePulse, 100*time.Millisecond)
}
func (c TimingConfig) GetCompensationPulse() time.Duration {
	return durationOr(c.CompensationPulse, 500*time.Millisecond)
}
