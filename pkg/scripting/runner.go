package scripting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/labdaq/labdaq/pkg/engine"
	"github.com/labdaq/labdaq/pkg/plan"
	"github.com/labdaq/labdaq/pkg/telemetry"
)

// Engine is the run engine surface the orchestrator needs.
type Engine interface {
	Queue(p plan.Plan) (string, error)
	Start(ctx context.Context) error
	Subscribe() *engine.Subscription
	Unsubscribe(sub *engine.Subscription)
}

// ScriptRunConfig bounds one script execution.
type ScriptRunConfig struct {
	// Timeout is the whole-script deadline.
	Timeout time.Duration

	// MaxPlans caps how many plans one script may dispatch. Zero means
	// unlimited.
	MaxPlans int

	// ContinueOnError keeps the script going past a failed plan instead of
	// terminating at the first failure.
	ContinueOnError bool

	// PlanWait is the per-plan limit on waiting for the run's Stop document.
	PlanWait time.Duration

	// Params is exposed to the script as the `params` dict.
	Params map[string]interface{}
}

// DefaultScriptRunConfig returns the standard limits.
func DefaultScriptRunConfig() ScriptRunConfig {
	return ScriptRunConfig{
		Timeout:         time.Hour,
		MaxPlans:        1000,
		ContinueOnError: false,
		PlanWait:        300 * time.Second,
	}
}

// ScriptRunReport is the terminal result of one script execution. Every
// failure mode folds into Success=false with a reason; counters and run UIDs
// are preserved on all termination paths.
type ScriptRunReport struct {
	// PlansExecuted counts plans dispatched to the engine, including failed
	// ones.
	PlansExecuted int `json:"plans_executed"`

	// TotalEvents is the cumulative event count across all runs.
	TotalEvents int `json:"total_events"`

	// Duration is the elapsed wall time of the script execution.
	Duration time.Duration `json:"duration"`

	// Success reports whether the script completed without failure.
	Success bool `json:"success"`

	// Error is the failure reason, empty on success.
	Error string `json:"error,omitempty"`

	// RunUIDs lists the dispatched runs in execution order.
	RunUIDs []string `json:"run_uids,omitempty"`
}

// pollInterval is how often the orchestration loop re-checks its deadline
// while waiting for a yield.
const pollInterval = 100 * time.Millisecond

// RunnerOption configures a ScriptPlanRunner.
type RunnerOption func(*ScriptPlanRunner)

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *ScriptPlanRunner) {
		r.logger = logger.With().Str("component", "script-runner").Logger()
	}
}

// WithRunnerMetrics attaches runner metrics.
func WithRunnerMetrics(m *telemetry.Metrics) RunnerOption {
	return func(r *ScriptPlanRunner) { r.metrics = m }
}

// WithRunnerTracer attaches a tracer; the runner opens a span per script
// and per dispatched plan.
func WithRunnerTracer(t *telemetry.Tracer) RunnerOption {
	return func(r *ScriptPlanRunner) { r.tracer = t }
}

// ScriptPlanRunner owns one script execution end to end: it starts the
// script worker, pumps the yield bridge, dispatches each yielded plan to the
// engine, and folds every outcome into a report. It never fails outward.
type ScriptPlanRunner struct {
	engine  Engine
	cfg     ScriptRunConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewScriptPlanRunner creates a runner dispatching to the given engine.
func NewScriptPlanRunner(eng Engine, cfg ScriptRunConfig, opts ...RunnerOption) *ScriptPlanRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.PlanWait <= 0 {
		cfg.PlanWait = 300 * time.Second
	}
	r := &ScriptPlanRunner{
		engine: eng,
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the script and returns its report. All failure modes,
// including worker panics and limit overruns, become Success=false reports.
func (r *ScriptPlanRunner) Run(ctx context.Context, filename string, src []byte) ScriptRunReport {
	start := time.Now()
	deadline := start.Add(r.cfg.Timeout)

	ctx, span := r.tracer.StartScriptSpan(ctx, filename)
	defer span.End()

	handle := NewYieldHandle()
	host := NewHost(handle, r.cfg.Params, r.logger)

	workerDone := make(chan error, 1)
	go func() {
		err := host.Run(filename, src)
		if err != nil {
			handle.SignalError(err.Error())
		} else {
			handle.SignalDone()
		}
		workerDone <- err
	}()

	var (
		plansExecuted int
		totalEvents   int
		runUIDs       []string
	)

	finish := func(success bool, errMsg string) ScriptRunReport {
		duration := time.Since(start)
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		r.metrics.ScriptRunFinished(outcome, plansExecuted, duration)
		if success {
			telemetry.RecordSuccess(span)
		} else {
			telemetry.RecordError(span, errors.New(errMsg))
		}

		ev := r.logger.Info()
		if !success {
			ev = r.logger.Error().Str("error", errMsg)
		}
		ev.Str("script", filename).
			Int("plans_executed", plansExecuted).
			Int("total_events", totalEvents).
			Dur("duration", duration).
			Msg("Script finished")

		return ScriptRunReport{
			PlansExecuted: plansExecuted,
			TotalEvents:   totalEvents,
			Duration:      duration,
			Success:       success,
			Error:         errMsg,
			RunUIDs:       runUIDs,
		}
	}

	r.logger.Info().Str("script", filename).Msg("Script starting")

	for {
		if time.Now().After(deadline) {
			// The worker is detached, not killed. Its later emits fail with
			// ErrDetached until its own logic finishes.
			handle.Detach()
			return finish(false, fmt.Sprintf("script timed out after %s", r.cfg.Timeout))
		}

		select {
		case y := <-handle.Requests():
			switch y.Kind {
			case YieldDone:
				<-workerDone
				return finish(true, "")

			case YieldError:
				<-workerDone
				return finish(false, y.Err)

			case YieldPlan, YieldCommand:
				if r.cfg.MaxPlans > 0 && plansExecuted >= r.cfg.MaxPlans {
					lerr := engine.NewPlanLimitError(fmt.Sprintf("maximum plan limit (%d) exceeded", r.cfg.MaxPlans))
					handle.Reply(FailResult("", lerr.Error(), 0))
					handle.Detach()
					return finish(false, lerr.Error())
				}

				p := y.Plan
				if y.Kind == YieldCommand {
					p = plan.WrapCommand(y.Command)
				}

				result, execErr := r.executePlan(ctx, p)

				// The reply must always go out, even on failure, or the
				// script worker deadlocks in Emit.
				handle.Reply(result)

				plansExecuted++
				totalEvents += result.NumEvents
				if result.RunUID != "" {
					runUIDs = append(runUIDs, result.RunUID)
				}

				if execErr != nil {
					if r.cfg.ContinueOnError {
						r.logger.Warn().
							Err(execErr).
							Str("run_uid", result.RunUID).
							Msg("Plan failed, continuing")
						continue
					}
					handle.Detach()
					return finish(false, execErr.Error())
				}
			}

		case <-time.After(pollInterval):
			// Re-check the deadline.

		case <-ctx.Done():
			handle.Detach()
			return finish(false, fmt.Sprintf("script cancelled: %v", ctx.Err()))
		}
	}
}

// executePlan dispatches one plan and collects its documents into a yield
// result. The subscription is taken before queueing so early events cannot
// be missed.
func (r *ScriptPlanRunner) executePlan(ctx context.Context, p plan.Plan) (res YieldResult, err error) {
	sub := r.engine.Subscribe()
	defer r.engine.Unsubscribe(sub)

	runUID, err := r.engine.Queue(p)
	if err != nil {
		return FailResult("", err.Error(), 0), err
	}

	name, _ := p.Metadata()
	ctx, span := r.tracer.StartSpan(ctx, "plan.dispatch",
		telemetry.AttrRunUID.String(runUID),
		telemetry.AttrPlanName.String(name),
	)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	startCh := make(chan error, 1)
	go func() { startCh <- r.engine.Start(ctx) }()

	var (
		lastData      map[string]float64
		lastPositions map[string]float64
		numEvents     int
		runErr        error
	)

	timer := time.NewTimer(r.cfg.PlanWait)
	defer timer.Stop()

	for {
		select {
		case doc := <-sub.C:
			if doc.RunUID != runUID {
				continue
			}
			switch doc.Kind {
			case engine.DocumentEvent:
				numEvents++
				lastData = doc.Data
				lastPositions = doc.Positions

			case engine.DocumentStop:
				switch doc.ExitStatus {
				case engine.ExitSuccess:
					return SuccessResult(runUID, lastData, lastPositions, doc.NumEvents), nil
				case engine.ExitAbort:
					return AbortResult(runUID, doc.Reason, doc.NumEvents),
						fmt.Errorf("run %s aborted: %s", runUID, doc.Reason)
				default:
					if startCh != nil {
						runErr = <-startCh
					}
					if runErr == nil {
						runErr = fmt.Errorf("run %s failed: %s", runUID, doc.Reason)
					}
					return FailResult(runUID, doc.Reason, doc.NumEvents), runErr
				}
			}

		case err := <-startCh:
			// The engine publishes the Stop before Start returns, so it is
			// already buffered on our subscription. Keep draining until it
			// arrives.
			startCh = nil
			runErr = err

		case <-timer.C:
			terr := engine.NewTimeoutError(fmt.Sprintf("timed out waiting for run %s to stop", runUID))
			return FailResult(runUID, terr.Error(), numEvents), terr
		}
	}
}
