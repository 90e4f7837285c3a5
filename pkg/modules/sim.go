package modules

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/labdaq/labdaq/pkg/telemetry"
)

// SimController simulates an instrument layer in-process. Every module ID is
// accepted; readings are the configured base value for the module with
// optional gaussian noise. Set parameters are stored and numeric position
// parameters feed back into subsequent readings of the same module.
type SimController struct {
	mu       sync.Mutex
	readings map[string]float64
	params   map[string]string
	rng      *rand.Rand

	noise   float64
	latency time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// SimOption configures a SimController.
type SimOption func(*SimController)

// WithNoise adds gaussian noise with the given standard deviation to
// readings.
func WithNoise(stddev float64) SimOption {
	return func(c *SimController) { c.noise = stddev }
}

// WithLatency makes every command take at least the given time, simulating
// instrument round trips.
func WithLatency(d time.Duration) SimOption {
	return func(c *SimController) { c.latency = d }
}

// WithSimLogger sets the controller logger.
func WithSimLogger(logger zerolog.Logger) SimOption {
	return func(c *SimController) {
		c.logger = logger.With().Str("component", "sim-controller").Logger()
	}
}

// WithSimMetrics attaches controller metrics.
func WithSimMetrics(m *telemetry.Metrics) SimOption {
	return func(c *SimController) { c.metrics = m }
}

// NewSimController creates a simulated instrument layer.
func NewSimController(opts ...SimOption) *SimController {
	c := &SimController{
		readings: make(map[string]float64),
		params:   make(map[string]string),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetReading fixes the base reading for a module.
func (c *SimController) SetReading(moduleID string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings[moduleID] = value
}

// Parameter returns the last value set for target.param, if any.
func (c *SimController) Parameter(target, param string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.params[target+"."+param]
	return v, ok
}

// Trigger acknowledges instantly after the configured latency.
func (c *SimController) Trigger(ctx context.Context, moduleID string) error {
	if err := c.delay(ctx); err != nil {
		c.metrics.ModuleError(moduleID, "trigger")
		return err
	}
	c.metrics.ModuleCommand(moduleID, "trigger")
	c.logger.Debug().Str("module_id", moduleID).Msg("Trigger acked")
	return nil
}

// SetParameter stores the value. Numeric values on a "position" parameter
// shift the module's readings so scans produce plausible data.
func (c *SimController) SetParameter(ctx context.Context, target, param, value string) error {
	if err := c.delay(ctx); err != nil {
		c.metrics.ModuleError(target, "set")
		return err
	}

	c.mu.Lock()
	c.params[target+"."+param] = value
	if param == "position" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.readings[target] = v
		}
	}
	c.mu.Unlock()

	c.metrics.ModuleCommand(target, "set")
	c.logger.Debug().
		Str("module_id", target).
		Str("param", param).
		Str("value", value).
		Msg("Parameter set")
	return nil
}

// Read returns the module's base value plus noise.
func (c *SimController) Read(ctx context.Context, moduleID string) (float64, error) {
	if err := c.delay(ctx); err != nil {
		c.metrics.ModuleError(moduleID, "read")
		return 0, err
	}

	c.mu.Lock()
	v := c.readings[moduleID]
	if c.noise > 0 {
		v += c.rng.NormFloat64() * c.noise
	}
	c.mu.Unlock()

	c.metrics.ModuleCommand(moduleID, "read")
	return v, nil
}

func (c *SimController) delay(ctx context.Context) error {
	if c.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("simulated command cancelled: %w", ctx.Err())
	}
}
