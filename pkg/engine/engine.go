package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labdaq/labdaq/pkg/plan"
	"github.com/labdaq/labdaq/pkg/telemetry"
)

// ModuleController is the instrument layer the engine dispatches actions to.
// Transport and routing (serial, MQTT, simulation) are the implementation's
// concern; the engine only needs acknowledged commands and readings.
type ModuleController interface {
	// Trigger starts an acquisition on the module and waits for the
	// acknowledgement.
	Trigger(ctx context.Context, moduleID string) error

	// SetParameter sets a named parameter on a target module.
	SetParameter(ctx context.Context, target, param, value string) error

	// Read reads the current value from a module.
	Read(ctx context.Context, moduleID string) (float64, error)
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	// State is the current experiment state.
	State ExperimentState `json:"state"`

	// RunUID identifies the current or most recent run, empty before the
	// first run.
	RunUID string `json:"run_uid,omitempty"`

	// Metadata is the metadata recorded by the current run's BeginRun.
	Metadata map[string]string `json:"metadata,omitempty"`

	// MessageCount is the number of messages pulled so far in this run.
	MessageCount int `json:"message_count"`

	// LastError is the most recent terminal error, empty if none.
	LastError string `json:"last_error,omitempty"`
}

// Option configures a RunEngine.
type Option func(*RunEngine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *RunEngine) {
		e.logger = logger.With().Str("component", "run-engine").Logger()
	}
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *RunEngine) { e.metrics = m }
}

// WithTracer attaches a tracer; the engine opens a span per run and per
// module command.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *RunEngine) { e.tracer = t }
}

// WithCheckpointDir sets the base directory for persisted checkpoints.
func WithCheckpointDir(dir string) Option {
	return func(e *RunEngine) { e.checkpointDir = dir }
}

// WithAutoCheckpoint enables automatic checkpointing every n processed
// messages. Zero disables it.
func WithAutoCheckpoint(n int) Option {
	return func(e *RunEngine) { e.autoCheckpoint = n }
}

// WithBroadcastBuffer sets the per-subscriber document buffer size.
func WithBroadcastBuffer(n int) Option {
	return func(e *RunEngine) { e.broadcastBuf = n }
}

// RunEngine drives one Plan at a time to completion. It is an explicitly
// owned object; components that need shared access share the handle.
type RunEngine struct {
	controller ModuleController
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	checkpointDir  string
	autoCheckpoint int
	broadcastBuf   int

	broadcaster *Broadcaster

	mu   sync.Mutex
	cond *sync.Cond

	state        ExperimentState
	runUID       string
	metadata     map[string]string
	messageCount int
	lastError    error

	queued    plan.Plan
	queuedUID string

	abortRequested bool
	abortReason    string
	abortCh        chan struct{}
}

// NewRunEngine creates an idle engine dispatching to the given controller.
func NewRunEngine(controller ModuleController, opts ...Option) *RunEngine {
	e := &RunEngine{
		controller:    controller,
		logger:        zerolog.Nop(),
		checkpointDir: "checkpoints",
		state:         StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cond = sync.NewCond(&e.mu)
	e.broadcaster = NewBroadcaster(e.broadcastBuf, e.logger)
	return e
}

// Subscribe registers a document stream subscriber.
func (e *RunEngine) Subscribe() *Subscription {
	return e.broadcaster.Subscribe()
}

// Unsubscribe removes a document stream subscriber.
func (e *RunEngine) Unsubscribe(sub *Subscription) {
	e.broadcaster.Unsubscribe(sub)
}

// Status returns a snapshot of the engine.
func (e *RunEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:        e.state,
		RunUID:       e.runUID,
		MessageCount: e.messageCount,
	}
	if len(e.metadata) > 0 {
		st.Metadata = make(map[string]string, len(e.metadata))
		for k, v := range e.metadata {
			st.Metadata[k] = v
		}
	}
	if e.lastError != nil {
		st.LastError = e.lastError.Error()
	}
	return st
}

// Queue validates a plan and stages it for the next Start call. It returns
// the run UID assigned to the staged run so callers can filter the document
// stream before execution begins.
func (e *RunEngine) Queue(p plan.Plan) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CanBegin() {
		return "", NewInvalidStateError(fmt.Sprintf("cannot queue plan while %s", e.state))
	}
	if e.queued != nil {
		return "", NewInvalidStateError("a plan is already queued")
	}
	if err := p.Validate(); err != nil {
		return "", NewValidationError("plan validation failed", err)
	}

	runUID := uuid.New().String()
	e.queued = p
	e.queuedUID = runUID

	name, _ := p.Metadata()
	e.logger.Info().
		Str("run_uid", runUID).
		Str("plan", name).
		Msg("Plan queued")

	return runUID, nil
}

// Start executes the queued plan to completion. It returns nil on normal
// completion and on abort; stream and message-processing failures are
// returned after an error checkpoint is persisted.
func (e *RunEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	p := e.queued
	runUID := e.queuedUID
	e.queued = nil
	e.queuedUID = ""
	if p == nil {
		e.mu.Unlock()
		return NewInvalidStateError("no plan queued")
	}

	e.state = StateIdle
	e.runUID = runUID
	e.metadata = nil
	e.messageCount = 0
	e.lastError = nil
	e.abortRequested = false
	e.abortReason = ""
	e.abortCh = make(chan struct{})
	e.mu.Unlock()

	return e.runLoop(ctx, p, runUID)
}

// Run queues a plan and executes it immediately.
func (e *RunEngine) Run(ctx context.Context, p plan.Plan) error {
	if _, err := e.Queue(p); err != nil {
		return err
	}
	return e.Start(ctx)
}

// Pause requests a pause. Effective only while Running; otherwise a warning
// is logged and the state is unchanged.
func (e *RunEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CanPause() {
		e.logger.Warn().
			Str("state", string(e.state)).
			Msg("Pause requested but not running, ignoring")
		return
	}
	e.state = StatePaused
	e.logger.Info().Str("run_uid", e.runUID).Msg("Run paused")
}

// Resume resumes a paused run. Effective only while Paused; otherwise a
// warning is logged and the state is unchanged.
func (e *RunEngine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CanResume() {
		e.logger.Warn().
			Str("state", string(e.state)).
			Msg("Resume requested but not paused, ignoring")
		return
	}
	e.state = StateRunning
	e.cond.Broadcast()
	e.logger.Info().Str("run_uid", e.runUID).Msg("Run resumed")
}

// Abort requests termination of the current run. The run loop stops at the
// next message boundary; an in-progress Sleep is interrupted. The reason is
// carried on the Stop document.
func (e *RunEngine) Abort(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.abortRequested || (e.state != StateRunning && e.state != StatePaused) {
		return
	}
	e.abortRequested = true
	e.abortReason = reason
	close(e.abortCh)
	e.cond.Broadcast()
	e.logger.Warn().
		Str("run_uid", e.runUID).
		Str("reason", reason).
		Msg("Abort requested")
}

// ResumeFromCheckpoint is not supported. Checkpoints are diagnostic
// snapshots only.
func (e *RunEngine) ResumeFromCheckpoint(path string) error {
	return NewInvalidStateError("resuming from a checkpoint is not supported")
}

// runLoop pulls the plan's stream and processes one message at a time.
func (e *RunEngine) runLoop(ctx context.Context, p plan.Plan, runUID string) error {
	start := time.Now()
	e.metrics.RunStarted()

	seq := 0
	collected := make(map[string]float64)
	positions := make(map[string]float64)

	name, _ := p.Metadata()
	e.logger.Info().
		Str("run_uid", runUID).
		Str("plan", name).
		Msg("Run starting")

	ctx, span := e.tracer.StartRunSpan(ctx, runUID, name)
	defer span.End()

	finish := func(exitStatus, reason string, err error) error {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.SetAttributes(telemetry.AttrRunState.String(string(e.Status().State)))
		e.publishStop(runUID, exitStatus, reason, seq)
		e.metrics.RunFinished(exitStatus, time.Since(start))
		return err
	}

	for {
		if aborted, reason := e.waitIfPaused(ctx); aborted {
			e.setState(StateIdle)
			e.logger.Warn().Str("run_uid", runUID).Msg("Run aborted")
			return finish(ExitAbort, reason, nil)
		}

		msg, err := p.Next()
		if err == plan.ErrEndOfStream {
			e.mu.Lock()
			if e.state == StateRunning {
				e.state = StateComplete
			}
			count := e.messageCount
			e.mu.Unlock()
			e.logger.Info().
				Str("run_uid", runUID).
				Int("message_count", count).
				Int("events", seq).
				Msg("Run complete")
			return finish(ExitSuccess, "", nil)
		}
		if err != nil {
			serr := NewStreamError("plan stream failed", err).WithRun(runUID)
			e.failRun(serr)
			return finish(ExitFail, serr.Error(), serr)
		}

		e.mu.Lock()
		e.messageCount++
		count := e.messageCount
		e.mu.Unlock()
		e.metrics.MessageProcessed(string(msg.Kind))

		if err := e.processMessage(ctx, msg, runUID, &seq, collected, positions); err != nil {
			perr := NewMessageProcessingError("message processing failed", err).
				WithRun(runUID).
				WithPlanMessage(msg.String())
			e.failRun(perr)
			return finish(ExitFail, perr.Error(), perr)
		}

		if e.autoCheckpoint > 0 && count%e.autoCheckpoint == 0 {
			if err := e.saveCheckpoint(""); err != nil {
				e.logger.Warn().
					Err(err).
					Str("run_uid", runUID).
					Msg("Auto-checkpoint failed")
			}
		}
	}
}

// waitIfPaused blocks while the engine is Paused, waking on Resume or Abort.
// It reports whether the run was aborted and the abort reason.
func (e *RunEngine) waitIfPaused(ctx context.Context) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.state == StatePaused && !e.abortRequested {
		e.cond.Wait()
	}
	if e.abortRequested || ctx.Err() != nil {
		reason := e.abortReason
		if reason == "" && ctx.Err() != nil {
			reason = ctx.Err().Error()
		}
		return true, reason
	}
	return false, ""
}

func (e *RunEngine) processMessage(ctx context.Context, msg plan.Message, runUID string, seq *int, collected, positions map[string]float64) error {
	e.logger.Debug().
		Str("run_uid", runUID).
		Str("message", msg.String()).
		Msg("Processing message")

	switch msg.Kind {
	case plan.KindBeginRun:
		e.mu.Lock()
		if e.state == StateIdle {
			e.state = StateRunning
			e.metadata = msg.Metadata
		} else {
			e.logger.Warn().
				Str("state", string(e.state)).
				Msg("BeginRun while not idle, ignoring")
		}
		e.mu.Unlock()

	case plan.KindEndRun:
		e.setState(StateComplete)

	case plan.KindSet:
		mctx, span := e.tracer.StartModuleSpan(ctx, msg.Target, "set")
		err := e.controller.SetParameter(mctx, msg.Target, msg.Param, msg.Value)
		telemetry.RecordError(span, err)
		span.End()
		if err != nil {
			return err
		}
		if v, err := strconv.ParseFloat(msg.Value, 64); err == nil {
			positions[msg.Target] = v
		}

	case plan.KindTrigger:
		mctx, span := e.tracer.StartModuleSpan(ctx, msg.ModuleID, "trigger")
		err := e.controller.Trigger(mctx, msg.ModuleID)
		telemetry.RecordError(span, err)
		span.End()
		if err != nil {
			return err
		}

	case plan.KindRead:
		mctx, span := e.tracer.StartModuleSpan(ctx, msg.ModuleID, "read")
		v, err := e.controller.Read(mctx, msg.ModuleID)
		telemetry.RecordError(span, err)
		span.End()
		if err != nil {
			return err
		}
		collected[msg.ModuleID] = v
		*seq++
		doc := NewEventDocument(runUID, *seq, collected, positions)
		e.broadcaster.Publish(doc)
		e.metrics.DocumentPublished(string(DocumentEvent))
		telemetry.AddModuleEvent(telemetry.SpanFromContext(ctx), msg.ModuleID,
			"event_published", fmt.Sprintf("event %d", *seq))

	case plan.KindSleep:
		if err := e.sleep(ctx, msg.Seconds); err != nil {
			return err
		}

	case plan.KindCheckpoint:
		if err := e.saveCheckpoint(msg.Label); err != nil {
			return err
		}

	case plan.KindPause:
		e.Pause()

	case plan.KindResume:
		e.Resume()

	case plan.KindLog:
		e.logMessage(runUID, msg)

	default:
		e.logger.Warn().
			Str("kind", string(msg.Kind)).
			Msg("Unknown message kind, ignoring")
	}

	return nil
}

// sleep suspends only this run. Abort and context cancellation interrupt it.
func (e *RunEngine) sleep(ctx context.Context, seconds float64) error {
	d := time.Duration(seconds * float64(time.Second))
	if d <= 0 {
		return nil
	}

	e.mu.Lock()
	abortCh := e.abortCh
	e.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-abortCh:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (e *RunEngine) logMessage(runUID string, msg plan.Message) {
	ev := e.logger.Info()
	switch msg.Level {
	case plan.LogWarn:
		ev = e.logger.Warn()
	case plan.LogError:
		ev = e.logger.Error()
	}
	ev.Str("run_uid", runUID).Msg(msg.Text)
}

// saveCheckpoint snapshots the engine and persists it under the checkpoint
// directory. The snapshot never mutates engine state.
func (e *RunEngine) saveCheckpoint(label string) error {
	e.mu.Lock()
	cp := NewCheckpoint(e.runUID, e.state, e.metadata, e.messageCount)
	if label != "" {
		cp = cp.WithLabel(label)
	}
	e.mu.Unlock()

	path := cp.Path(e.checkpointDir)
	if err := cp.Save(path); err != nil {
		return err
	}
	e.metrics.CheckpointSaved()
	e.logger.Info().
		Str("run_uid", cp.RunUID).
		Str("path", path).
		Msg("Checkpoint saved")
	return nil
}

// failRun records a terminal error and persists an error checkpoint.
// Checkpoint persistence failure here is logged, not propagated, so the
// original error survives.
func (e *RunEngine) failRun(err error) {
	e.mu.Lock()
	e.state = StateError
	e.lastError = err
	cp := NewCheckpoint(e.runUID, e.state, e.metadata, e.messageCount).WithError(err.Error())
	e.mu.Unlock()

	e.logger.Error().Err(err).Str("run_uid", cp.RunUID).Msg("Run failed")

	path := cp.Path(e.checkpointDir)
	if serr := cp.Save(path); serr != nil {
		e.logger.Error().
			Err(serr).
			Str("run_uid", cp.RunUID).
			Msg("Failed to persist error checkpoint")
		return
	}
	e.logger.Info().
		Str("run_uid", cp.RunUID).
		Str("path", path).
		Msg("Error checkpoint saved")
}

func (e *RunEngine) publishStop(runUID, exitStatus, reason string, numEvents int) {
	e.broadcaster.Publish(NewStopDocument(runUID, exitStatus, reason, numEvents))
	e.metrics.DocumentPublished(string(DocumentStop))
}

func (e *RunEngine) setState(s ExperimentState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
