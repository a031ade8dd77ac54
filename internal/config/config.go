// Package config loads the orchestrator configuration from a YAML file with
// TUBESORT_ environment overrides. Scalars are pointers so an omitted field
// falls back to the default returned by its Get* accessor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/sorter"
)

// EnvPrefix marks environment variables that override file values:
// TUBESORT_TIMING_RACK_TIMEOUT sets timing.rack_timeout.
const EnvPrefix = "TUBESORT_"

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

type Config struct {
	Log          LogConfig           `koanf:"log"`
	Server       ServerConfig        `koanf:"server"`
	NATS         NATSConfig          `koanf:"nats"`
	Arm          DeviceConfig        `koanf:"arm"`
	Scanner      DeviceConfig        `koanf:"scanner"`
	Classifier   ClassifierConfig    `koanf:"classifier"`
	Geometry     GeometryConfig      `koanf:"geometry"`
	Rack         RackConfig          `koanf:"rack"`
	Timing       TimingConfig        `koanf:"timing"`
	Destinations []DestinationConfig `koanf:"destinations"`
	Sources      []SourceConfig      `koanf:"sources"`

	// Dev swaps the arm and scanner for simulators.
	Dev *bool `koanf:"dev"`
}

type LogConfig struct {
	Level  *string `koanf:"level"`
	Format *string `koanf:"format"`
}

type ServerConfig struct {
	Listen  *string `koanf:"listen"`
	StateDB *string `koanf:"state_db"`
}

type NATSConfig struct {
	// URL is empty when events are not published.
	URL *string `koanf:"url"`
}

// DeviceConfig describes how to reach the arm or the scanner.
type DeviceConfig struct {
	Transport *string `koanf:"transport"` // tcp, serial or sim
	Address   *string `koanf:"address"`   // host:port or serial device path
	Baud      *int    `koanf:"baud"`
	Timeout   *string `koanf:"timeout"`

	// Arm only.
	MotionProgram  *string `koanf:"motion_program"`
	MotionTimeout  *string `koanf:"motion_timeout"`
	PollInterval   *string `koanf:"poll_interval"`
	GripChannel    *int    `koanf:"grip_channel"`
	ReleaseChannel *int    `koanf:"release_channel"`

	// Scanner only.
	Dwell *string `koanf:"dwell"`
}

type ClassifierConfig struct {
	URL     *string `koanf:"url"`
	MesType *string `koanf:"mes_type"`
	Timeout *string `koanf:"timeout"`
	// Codes maps a lower-cased service test code to a classification name.
	Codes map[string]string `koanf:"codes"`
}

type GeometryConfig struct {
	PitchX     *float64     `koanf:"pitch_x"`
	PitchY     *float64     `koanf:"pitch_y"`
	RowPitch   *float64     `koanf:"row_pitch"`
	GroupPitch *float64     `koanf:"group_pitch"`
	GroupSize  *int         `koanf:"group_size"`
	PickupZ    *float64     `koanf:"pickup_z"`
	LiftZ      *float64     `koanf:"lift_z"`
	PlaceSafeZ *float64     `koanf:"place_safe_z"`
	DropZ      *float64     `koanf:"drop_z"`
	PausePose  *sorter.Pose `koanf:"pause_pose"`
}

type RackConfig struct {
	Capacity *int `koanf:"capacity"`
}

type TimingConfig struct {
	ClassifyTimeout   *string `koanf:"classify_timeout"`
	PauseTimeout      *string `koanf:"pause_timeout"`
	RackTimeout       *string `koanf:"rack_timeout"`
	ControlPoll       *string `koanf:"control_poll"`
	GripSettle        *string `koanf:"grip_settle"`
	PickupHold        *string `koanf:"pickup_hold"`
	ReleasePulse      *string `koanf:"release_pulse"`
	CompensationPulse *string `koanf:"compensation_pulse"`
}

type DestinationConfig struct {
	Classification string      `koanf:"classification"`
	Origin         sorter.Pose `koanf:"origin"`
	Rows           int         `koanf:"rows"`
	Cols           int         `koanf:"cols"`
}

type SourceConfig struct {
	ID int `koanf:"id"`
	// Mask has one string per row; '1' marks an occupied cell.
	Mask       []string    `koanf:"mask"`
	ScanOrigin sorter.Pose `koanf:"scan_origin"`
	SortOrigin sorter.Pose `koanf:"sort_origin"`
}

const (
	defaultGridRows = 10
	defaultGridCols = 6
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultDestinations returns the two reference racks.
func DefaultDestinations() []DestinationConfig {
	return []DestinationConfig{
		{Classification: string(sorter.ClassUGI), Origin: sorter.Pose{X: -93, Y: 317, Z: 146}, Rows: defaultGridRows, Cols: defaultGridCols},
		{Classification: string(sorter.ClassVPCH), Origin: sorter.Pose{X: -315, Y: 317, Z: 146}, Rows: defaultGridRows, Cols: defaultGridCols},
	}
}

// DefaultSources returns one fully occupied 10x6 source grid.
func DefaultSources() []SourceConfig {
	mask := make([]string, defaultGridRows)
	for i := range mask {
		mask[i] = strings.Repeat("1", defaultGridCols)
	}
	return []SourceConfig{{
		ID:         0,
		Mask:       mask,
		ScanOrigin: sorter.Pose{X: 175, Y: 280, Z: 200},
		SortOrigin: sorter.Pose{X: 129, Y: 317, Z: 148},
	}}
}

// Default returns an empty config with the reference grids filled in.
func Default() *Config {
	return &Config{
		Destinations: DefaultDestinations(),
		Sources:      DefaultSources(),
	}
}

// Load reads path (which may be empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Destinations) == 0 {
		cfg.Destinations = DefaultDestinations()
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps TUBESORT_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// Validate checks the values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	durations := map[string]*string{
		"arm.timeout":               c.Arm.Timeout,
		"arm.motion_timeout":        c.Arm.MotionTimeout,
		"arm.poll_interval":         c.Arm.PollInterval,
		"scanner.timeout":           c.Scanner.Timeout,
		"scanner.dwell":             c.Scanner.Dwell,
		"classifier.timeout":        c.Classifier.Timeout,
		"timing.classify_timeout":   c.Timing.ClassifyTimeout,
		"timing.pause_timeout":      c.Timing.PauseTimeout,
		"timing.rack_timeout":       c.Timing.RackTimeout,
		"timing.control_poll":       c.Timing.ControlPoll,
		"timing.grip_settle":        c.Timing.GripSettle,
		"timing.pickup_hold":        c.Timing.PickupHold,
		"timing.release_pulse":      c.Timing.ReleasePulse,
		"timing.compensation_pulse": c.Timing.CompensationPulse,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	for _, dc := range []struct {
		name string
		cfg  DeviceConfig
	}{{"arm", c.Arm}, {"scanner", c.Scanner}} {
		switch t := dc.cfg.GetTransport(); t {
		case TransportTCP, TransportSerial:
			if dc.cfg.GetAddress() == "" {
				return fmt.Errorf("%s.address is required for transport %s", dc.name, t)
			}
		case TransportSim:
		default:
			return fmt.Errorf("%s.transport must be tcp, serial or sim, got %q", dc.name, t)
		}
	}

	if f := c.Log.GetFormat(); f != "console" && f != "json" {
		return fmt.Errorf("log.format must be console or json, got %q", f)
	}
	if g := c.Geometry.GetGroupSize(); g < 1 {
		return fmt.Errorf("geometry.group_size must be positive, got %d", g)
	}
	for code, name := range c.Classifier.Codes {
		if _, err := sorter.ParseClassification(name); err != nil {
			return fmt.Errorf("classifier.codes[%s]: %w", code, err)
		}
	}

	if _, err := c.AllocatorSpecs(); err != nil {
		return err
	}
	capacity := c.Rack.GetCapacity()
	if capacity < 1 {
		return fmt.Errorf("rack.capacity must be positive, got %d", capacity)
	}
	for _, d := range c.Destinations {
		if cols := orDefault(d.Cols, defaultGridCols); capacity%cols != 0 {
			return fmt.Errorf("rack.capacity %d is not a multiple of %s columns (%d)", capacity, d.Classification, cols)
		}
	}
	if _, err := c.SourceGrids(); err != nil {
		return err
	}
	return nil
}

// AllocatorSpecs returns one grid spec per destination in configured order.
func (c *Config) AllocatorSpecs() ([]sorter.GridSpec, error) {
	if n := len(c.Destinations); n < 2 || n > 6 {
		return nil, fmt.Errorf("need 2 to 6 destinations, got %d", n)
	}
	specs := make([]sorter.GridSpec, 0, len(c.Destinations))
	seen := make(map[sorter.Classification]bool, len(c.Destinations))
	for i, d := range c.Destinations {
		class, err := sorter.ParseClassification(d.Classification)
		if err != nil {
			return nil, fmt.Errorf("destinations[%d]: %w", i, err)
		}
		if seen[class] {
			return nil, fmt.Errorf("destinations[%d]: duplicate classification %q", i, class)
		}
		seen[class] = true
		specs = append(specs, sorter.GridSpec{
			Classification: class,
			Rows:           orDefault(d.Rows, defaultGridRows),
			Cols:           orDefault(d.Cols, defaultGridCols),
		})
	}
	return specs, nil
}

// DestinationOrigins maps grid id to the pose of cell (0,0).
func (c *Config) DestinationOrigins() map[int]sorter.Pose {
	origins := make(map[int]sorter.Pose, len(c.Destinations))
	for i, d := range c.Destinations {
		origins[i] = d.Origin
	}
	return origins
}

// SourceGrids parses the source masks.
func (c *Config) SourceGrids() ([]sorter.SourceGrid, error) {
	if len(c.Sources) == 0 {
		return nil, fmt.Errorf("need at least one source")
	}
	seen := make(map[int]bool, len(c.Sources))
	grids := make([]sorter.SourceGrid, 0, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate source id %d", s.ID)
		}
		seen[s.ID] = true
		mask, err := ParseMask(s.Mask)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", s.ID, err)
		}
		grids = append(grids, sorter.SourceGrid{
			ID:         s.ID,
			Mask:       mask,
			ScanOrigin: s.ScanOrigin,
			SortOrigin: s.SortOrigin,
		})
	}
	return grids, nil
}

// ParseMask turns rows like "110011" into a rectangular occupancy mask.
func ParseMask(rows []string) ([][]bool, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("mask is empty")
	}
	cols := len(rows[0])
	if cols == 0 {
		return nil, fmt.Errorf("mask row 0 is empty")
	}
	mask := make([][]bool, len(rows))
	for r, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("mask row %d has %d cells, want %d", r, len(row), cols)
		}
		mask[r] = make([]bool, cols)
		for col, ch := range row {
			switch ch {
			case '1':
				mask[r][col] = true
			case '0':
			default:
				return nil, fmt.Errorf("mask row %d: invalid cell %q", r, ch)
			}
		}
	}
	return mask, nil
}

// FormatMask is the inverse of ParseMask.
func FormatMask(mask [][]bool) []string {
	rows := make([]string, len(mask))
	for r, row := range mask {
		var b strings.Builder
		for _, on := range row {
			if on {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
		rows[r] = b.String()
	}
	return rows
}

// ScanConfig builds the scan pipeline settings.
func (c *Config) ScanConfig() sorter.ScanConfig {
	return sorter.ScanConfig{
		GroupSize:       c.Geometry.GetGroupSize(),
		RowPitch:        c.Geometry.GetRowPitch(),
		GroupPitch:      c.Geometry.GetGroupPitch(),
		Dwell:           c.Scanner.GetDwell(),
		ClassifyTimeout: c.Timing.GetClassifyTimeout(),
	}
}

// PlaceConfig builds the pick-and-place settings.
func (c *Config) PlaceConfig() sorter.PlaceConfig {
	return sorter.PlaceConfig{
		PitchX:            c.Geometry.GetPitchX(),
		PitchY:            c.Geometry.GetPitchY(),
		PickupZ:           c.Geometry.GetPickupZ(),
		LiftZ:             c.Geometry.GetLiftZ(),
		PlaceSafeZ:        c.Geometry.GetPlaceSafeZ(),
		DropZ:             c.Geometry.GetDropZ(),
		GripChannel:       c.Arm.GetGripChannel(),
		ReleaseChannel:    c.Arm.GetReleaseChannel(),
		GripSettle:        c.Timing.GetGripSettle(),
		PickupHold:        c.Timing.GetPickupHold(),
		ReleasePulse:      c.Timing.GetReleasePulse(),
		CompensationPulse: c.Timing.GetCompensationPulse(),
		RackCapacity:      c.Rack.GetCapacity(),
		PausePose:         c.Geometry.GetPausePose(),
	}
}

// CoordinatorConfig builds the run coordinator waits.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		PauseTimeout: c.Timing.GetPauseTimeout(),
		RackTimeout:  c.Timing.GetRackTimeout(),
		PollInterval: c.Timing.GetControlPoll(),
		PausePose:    c.Geometry.GetPausePose(),
	}
}

// GetDev reports whether simulated devices are in use.
func (c *Config) GetDev() bool {
	if c.Dev == nil {
		return false
	}
	return *c.Dev
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
