// Package engine drives a transport run: a fixed pool of workers, each owning
// a static slice of the particle population, stepping through a repeating
// movement phase and single-threaded sync phase separated by two barriers.
package engine

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/signalsfoundry/drainflow/timectrl"
	"github.com/signalsfoundry/drainflow/transport"
)

// ErrInvalidConfig is returned for configurations rejected before a run.
var ErrInvalidConfig = errors.New("invalid engine config")

// Config holds the run parameters. The yaml tags match the run file read by
// the drainsim command.
type Config struct {
	// Workers is the size of the worker pool. It must be positive.
	// Default: runtime.NumCPU()
	Workers int `yaml:"workers"`

	// DtMs is the kernel substep in simulated milliseconds.
	// Default: 10 000
	DtMs int64 `yaml:"dt_ms"`

	// SubstepsPerCycle is how many substeps a worker runs between two sync
	// phases.
	// Default: 1
	SubstepsPerCycle int `yaml:"substeps_per_cycle"`

	// Dispersion is the coefficient K in m2/s.
	Dispersion float64 `yaml:"dispersion"`

	// Routing names the junction routing policy; see transport.PolicyByName.
	// Default: "linear"
	Routing string `yaml:"routing"`

	// MaxHops bounds junction crossings per particle per substep.
	// Default: transport.DefaultMaxHops
	MaxHops int `yaml:"max_hops"`

	// Seed feeds the per-worker random streams.
	Seed uint64 `yaml:"seed"`

	// BinMs is the measurement time bin. Zero or negative means one bin per
	// DtMs*SubstepsPerCycle.
	BinMs int64 `yaml:"bin_ms"`

	// ClockMode is "accelerated" (default) or "realtime".
	ClockMode string `yaml:"clock_mode"`
	// TimeScale is simulated seconds per wall second in realtime mode.
	// Default: 1
	TimeScale float64 `yaml:"time_scale"`

	// EventBuffer bounds queued StepFinished events; older ones are dropped
	// when a consumer falls behind. Lifecycle events are never dropped.
	// Default: 256
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		DtMs:             10_000,
		SubstepsPerCycle: 1,
		Routing:          "linear",
		MaxHops:          transport.DefaultMaxHops,
		ClockMode:        "accelerated",
		TimeScale:        1,
		EventBuffer:      256,
	}
}

// ApplyDefaults fills zero fields with their defaults. Workers is left
// alone: a zero worker count is a configuration error, not a request for
// the default.
func (c Config) ApplyDefaults() Config {
	d := DefaultConfig()
	if c.DtMs == 0 {
		c.DtMs = d.DtMs
	}
	if c.SubstepsPerCycle == 0 {
		c.SubstepsPerCycle = d.SubstepsPerCycle
	}
	if c.Routing == "" {
		c.Routing = d.Routing
	}
	if c.MaxHops == 0 {
		c.MaxHops = d.MaxHops
	}
	if c.ClockMode == "" {
		c.ClockMode = d.ClockMode
	}
	if c.TimeScale == 0 {
		c.TimeScale = d.TimeScale
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.BinMs <= 0 {
		c.BinMs = c.DtMs * int64(c.SubstepsPerCycle)
	}
	return c
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers))
	}
	if c.DtMs <= 0 {
		errs = append(errs, fmt.Errorf("%w: dt_ms must be positive, got %d", ErrInvalidConfig, c.DtMs))
	}
	if c.SubstepsPerCycle <= 0 {
		errs = append(errs, fmt.Errorf("%w: substeps_per_cycle must be positive, got %d", ErrInvalidConfig, c.SubstepsPerCycle))
	}
	if math.IsNaN(c.Dispersion) || math.IsInf(c.Dispersion, 0) || c.Dispersion < 0 {
		errs = append(errs, fmt.Errorf("%w: dispersion must be finite and non-negative, got %v", ErrInvalidConfig, c.Dispersion))
	}
	if _, err := transport.PolicyByName(c.Routing); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	if c.MaxHops < 0 {
		errs = append(errs, fmt.Errorf("%w: max_hops must not be negative", ErrInvalidConfig))
	}
	if _, err := c.clockMode(); err != nil {
		errs = append(errs, err)
	}
	if !(c.TimeScale > 0) || math.IsInf(c.TimeScale, 0) {
		errs = append(errs, fmt.Errorf("%w: time_scale must be positive, got %v", ErrInvalidConfig, c.TimeScale))
	}
	if c.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("%w: event_buffer must not be negative", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

func (c Config) clockMode() (timectrl.Mode, error) {
	switch strings.ToLower(c.ClockMode) {
	case "", "accelerated":
		return timectrl.Accelerated, nil
	case "realtime", "real-time":
		return timectrl.RealTime, nil
	default:
		return 0, fmt.Errorf("%w: clock_mode %q", ErrInvalidConfig, c.ClockMode)
	}
}
