package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/labdaq/labdaq/pkg/config"
	"github.com/labdaq/labdaq/pkg/engine"
	"github.com/labdaq/labdaq/pkg/modules"
	"github.com/labdaq/labdaq/pkg/plan"
	"github.com/labdaq/labdaq/pkg/policy"
	"github.com/labdaq/labdaq/pkg/scripting"
	"github.com/labdaq/labdaq/pkg/stores"
	"github.com/labdaq/labdaq/pkg/telemetry"
)

// runtime holds the wired components a command needs. Build it with
// newRuntime and release it with Close.
type runtime struct {
	cfg     *config.Config
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	controller engine.ModuleController
	engine     *engine.RunEngine
	store      *stores.SQLiteStore
	policies   *policy.Engine
}

// newRuntime loads configuration and wires the engine stack.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}

	tcfg := cfg.TelemetryConfig()
	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	rt := &runtime{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		tracer:  tracer,
	}

	rt.controller, err = buildController(cfg, logger, metrics)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.engine = engine.NewRunEngine(rt.controller,
		engine.WithLogger(logger.Zerolog()),
		engine.WithMetrics(metrics),
		engine.WithTracer(tracer),
		engine.WithCheckpointDir(cfg.Engine.CheckpointDir),
		engine.WithAutoCheckpoint(cfg.Engine.AutoCheckpointEvery),
		engine.WithBroadcastBuffer(cfg.Engine.BroadcastBuffer),
	)

	if cfg.Store.Enabled {
		store := stores.NewSQLiteStore(cfg.Store.SQLite)
		if err := store.Init(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		rt.store = store
	}

	if cfg.Policy.Enabled {
		policies, err := policy.NewEngine(logger.Zerolog())
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				rt.Close()
				return nil, err
			}
		}
		rt.policies = policies
	}

	return rt, nil
}

// buildController selects the module controller backend.
func buildController(cfg *config.Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (engine.ModuleController, error) {
	switch cfg.Modules.Driver {
	case config.DriverSim:
		sim := modules.NewSimController(
			modules.WithSimLogger(logger.Zerolog()),
			modules.WithSimMetrics(metrics),
			modules.WithNoise(cfg.Modules.Sim.Noise),
			modules.WithLatency(cfg.Modules.Sim.Latency),
		)
		for id, value := range cfg.Modules.Sim.Readings {
			sim.SetReading(id, value)
		}
		return sim, nil

	case config.DriverMQTT:
		return modules.NewMQTTController(cfg.Modules.MQTT,
			modules.WithMQTTLogger(logger.Zerolog()),
			modules.WithMQTTMetrics(metrics),
		)

	default:
		return nil, fmt.Errorf("unknown module driver: %s", cfg.Modules.Driver)
	}
}

// scriptRunConfig maps the script section onto the runner configuration.
func (rt *runtime) scriptRunConfig() scripting.ScriptRunConfig {
	return scripting.ScriptRunConfig{
		Timeout:         rt.cfg.Script.Timeout,
		MaxPlans:        rt.cfg.Script.MaxPlans,
		ContinueOnError: rt.cfg.Script.ContinueOnError,
		PlanWait:        rt.cfg.Script.PlanWait,
	}
}

// gatePlan evaluates the policy gate for a plan. Warnings are logged,
// error violations reject the plan.
func (rt *runtime) gatePlan(ctx context.Context, p plan.Plan) error {
	if rt.policies == nil {
		return nil
	}

	result, err := rt.policies.EvaluatePlan(ctx, p)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	for _, v := range result.Violations {
		if v.Severity == policy.SeverityWarning || v.Severity == policy.SeverityInfo {
			zl := rt.log.Zerolog()
			zl.Warn().
				Str("policy", v.Policy).
				Str("plan", v.Plan).
				Msg(v.Message)
		}
	}

	if !result.Allowed {
		var reasons []string
		for _, v := range result.Violations {
			if v.Severity == policy.SeverityError || v.Severity == policy.SeverityCritical {
				reasons = append(reasons, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			}
		}
		return fmt.Errorf("plan rejected by policy: %s", strings.Join(reasons, "; "))
	}

	return nil
}

// Close releases everything the runtime holds.
func (rt *runtime) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			zl := rt.log.Zerolog()
			zl.Warn().Err(err).Msg("Failed to close run store")
		}
	}
	if closer, ok := rt.controller.(interface{ Close() }); ok {
		closer.Close()
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(shutdownCtx); err != nil {
			zl := rt.log.Zerolog()
			zl.Warn().Err(err).Msg("Failed to shut down tracer")
		}
	}
}
