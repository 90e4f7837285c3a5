package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/labdaq/labdaq/pkg/plan"
	"github.com/labdaq/labdaq/pkg/telemetry"
)

// mockController acks everything instantly and records the calls it sees.
type mockController struct {
	mu       sync.Mutex
	triggers []string
	sets     []string
	reads    []string

	readValue  float64
	triggerErr error
	setErr     error
	readErr    error
}

func (c *mockController) Trigger(ctx context.Context, moduleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, moduleID)
	return c.triggerErr
}

func (c *mockController) SetParameter(ctx context.Context, target, param, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, fmt.Sprintf("%s.%s=%s", target, param, value))
	return c.setErr
}

func (c *mockController) Read(ctx context.Context, moduleID string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, moduleID)
	return c.readValue, c.readErr
}

func newTestEngine(t *testing.T, ctrl *mockController, opts ...Option) *RunEngine {
	t.Helper()
	opts = append([]Option{WithCheckpointDir(t.TempDir())}, opts...)
	return NewRunEngine(ctrl, opts...)
}

// waitForState polls Status until the engine reaches the wanted state.
func waitForState(t *testing.T, e *RunEngine, want ExperimentState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status().State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("engine never reached state %q, stuck at %q", want, e.Status().State)
}

func TestRunSimplePlanCompletes(t *testing.T) {
	ctrl := &mockController{}
	e := newTestEngine(t, ctrl)

	p := plan.NewSequencePlan("simple", []plan.Message{
		plan.BeginRun(map[string]string{"operator": "alice"}),
		plan.Trigger("cam1"),
		plan.EndRun(),
	})

	if err := e.Run(context.Background(), p); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	st := e.Status()
	if st.State != StateComplete {
		t.Errorf("state = %q, want %q", st.State, StateComplete)
	}
	if st.MessageCount != 3 {
		t.Errorf("messageCount = %d, want 3", st.MessageCount)
	}
	if st.Metadata["operator"] != "alice" {
		t.Errorf("metadata = %v", st.Metadata)
	}
	if len(ctrl.triggers) != 1 || ctrl.triggers[0] != "cam1" {
		t.Errorf("triggers = %v, want [cam1]", ctrl.triggers)
	}
}

func TestRunEmitsEventsAndStop(t *testing.T) {
	ctrl := &mockController{readValue: 3.14}
	e := newTestEngine(t, ctrl)

	p := plan.NewSequencePlan("acq", []plan.Message{
		plan.BeginRun(nil),
		plan.Set("motor_x", "position", "1.5"),
		plan.Trigger("det1"),
		plan.Read("det1"),
		plan.EndRun(),
	})

	runUID, err := e.Queue(p)
	if err != nil {
		t.Fatalf("Queue() error: %v", err)
	}
	sub := e.Subscribe()
	defer e.Unsubscribe(sub)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ev := <-sub.C
	if ev.Kind != DocumentEvent || ev.RunUID != runUID || ev.Seq != 1 {
		t.Fatalf("unexpected first document %+v", ev)
	}
	if ev.Data["det1"] != 3.14 {
		t.Errorf("event data = %v, want det1=3.14", ev.Data)
	}
	if ev.Positions["motor_x"] != 1.5 {
		t.Errorf("event positions = %v, want motor_x=1.5", ev.Positions)
	}

	stop := <-sub.C
	if stop.Kind != DocumentStop || stop.ExitStatus != ExitSuccess {
		t.Fatalf("unexpected second document %+v", stop)
	}
	if stop.NumEvents != 1 {
		t.Errorf("stop NumEvents = %d, want 1", stop.NumEvents)
	}
}

func TestPauseAndResume(t *testing.T) {
	ctrl := &mockController{}
	e := newTestEngine(t, ctrl)

	p := plan.NewSequencePlan("pausing", []plan.Message{
		plan.BeginRun(nil),
		plan.Pause(),
		plan.Trigger("cam1"),
		plan.EndRun(),
	})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), p) }()

	waitForState(t, e, StatePaused)

	// The trigger after the pause message must not have run yet.
	ctrl.mu.Lock()
	triggered := len(ctrl.triggers)
	ctrl.mu.Unlock()
	if triggered != 0 {
		t.Fatalf("trigger dispatched while paused")
	}

	e.Resume()

	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if st := e.Status(); st.State != StateComplete || st.MessageCount != 4 {
		t.Errorf("status = %+v, want complete with 4 messages", st)
	}
	if len(ctrl.triggers) != 1 {
		t.Errorf("triggers = %v, want one after resume", ctrl.triggers)
	}
}

func TestResumeWhileIdleIsNoOp(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	e.Resume()

	if st := e.Status(); st.State != StateIdle {
		t.Errorf("state = %q, want %q", st.State, StateIdle)
	}
}

func TestPauseWhileIdleIsNoOp(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	e.Pause()

	if st := e.Status(); st.State != StateIdle {
		t.Errorf("state = %q, want %q", st.State, StateIdle)
	}
}

func TestTriggerFailureWritesErrorCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ctrl := &mockController{triggerErr: errors.New("no ack from cam1")}
	e := NewRunEngine(ctrl, WithCheckpointDir(dir))

	p := plan.NewSequencePlan("failing", []plan.Message{
		plan.BeginRun(nil),
		plan.Trigger("cam1"),
		plan.EndRun(),
	})

	runUID, err := e.Queue(p)
	if err != nil {
		t.Fatalf("Queue() error: %v", err)
	}
	sub := e.Subscribe()
	defer e.Unsubscribe(sub)

	err = e.Start(context.Background())
	if !IsMessageProcessing(err) {
		t.Fatalf("Start() error = %v, want message processing error", err)
	}

	st := e.Status()
	if st.State != StateError {
		t.Errorf("state = %q, want %q", st.State, StateError)
	}
	if st.LastError == "" {
		t.Error("LastError is empty")
	}

	stop := <-sub.C
	if stop.Kind != DocumentStop || stop.ExitStatus != ExitFail {
		t.Fatalf("unexpected document %+v", stop)
	}

	entries, err := os.ReadDir(CheckpointDir(dir, runUID))
	if err != nil || len(entries) == 0 {
		t.Fatalf("no error checkpoint persisted: %v", err)
	}
	cp, err := LoadCheckpoint(CheckpointDir(dir, runUID) + "/" + entries[0].Name())
	if err != nil {
		t.Fatalf("LoadCheckpoint() error: %v", err)
	}
	if cp.Error == "" || cp.State != StateError {
		t.Errorf("checkpoint = %+v, want error snapshot", cp)
	}
}

func TestStreamErrorFailsRun(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	err := e.Run(context.Background(), &brokenPlan{})
	if !IsStream(err) {
		t.Fatalf("Run() error = %v, want stream error", err)
	}
	if st := e.Status(); st.State != StateError {
		t.Errorf("state = %q, want %q", st.State, StateError)
	}
}

// brokenPlan yields one message then fails its stream.
type brokenPlan struct{ n int }

func (p *brokenPlan) Next() (plan.Message, error) {
	p.n++
	if p.n == 1 {
		return plan.BeginRun(nil), nil
	}
	return plan.Message{}, errors.New("detector went away")
}

func (p *brokenPlan) Validate() error            { return nil }
func (p *brokenPlan) Metadata() (string, string) { return "broken", "" }

func TestAbortInterruptsSleep(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	p := plan.NewSequencePlan("sleepy", []plan.Message{
		plan.BeginRun(nil),
		plan.Sleep(30),
		plan.EndRun(),
	})

	runUID, err := e.Queue(p)
	if err != nil {
		t.Fatalf("Queue() error: %v", err)
	}
	sub := e.Subscribe()
	defer e.Unsubscribe(sub)

	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background()) }()

	waitForState(t, e, StateRunning)
	start := time.Now()
	e.Abort("operator abort")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not interrupt the sleep")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("abort took %v", elapsed)
	}

	stop := <-sub.C
	if stop.Kind != DocumentStop || stop.ExitStatus != ExitAbort || stop.RunUID != runUID {
		t.Fatalf("unexpected document %+v", stop)
	}
	if st := e.Status(); st.State != StateIdle {
		t.Errorf("state = %q, want %q", st.State, StateIdle)
	}
}

func TestQueueRejectsInvalidPlan(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	_, err := e.Queue(plan.NewSequencePlan("empty", nil))
	if !IsValidation(err) {
		t.Fatalf("Queue() error = %v, want validation error", err)
	}
}

func TestQueueRejectsSecondPlan(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	p := plan.NewSequencePlan("one", []plan.Message{plan.BeginRun(nil), plan.EndRun()})
	if _, err := e.Queue(p); err != nil {
		t.Fatalf("Queue() error: %v", err)
	}

	q := plan.NewSequencePlan("two", []plan.Message{plan.BeginRun(nil), plan.EndRun()})
	if _, err := e.Queue(q); !IsInvalidState(err) {
		t.Fatalf("second Queue() error = %v, want invalid state", err)
	}
}

func TestStartWithoutQueueFails(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	if err := e.Start(context.Background()); !IsInvalidState(err) {
		t.Fatalf("Start() error = %v, want invalid state", err)
	}
}

func TestAutoCheckpoint(t *testing.T) {
	dir := t.TempDir()
	e := NewRunEngine(&mockController{}, WithCheckpointDir(dir), WithAutoCheckpoint(2))

	p := plan.NewSequencePlan("counting", []plan.Message{
		plan.BeginRun(nil),
		plan.Trigger("det1"),
		plan.Trigger("det1"),
		plan.Trigger("det1"),
		plan.EndRun(),
	})

	runUID, err := e.Queue(p)
	if err != nil {
		t.Fatalf("Queue() error: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	entries, err := os.ReadDir(CheckpointDir(dir, runUID))
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	// 5 messages with a checkpoint every 2 processed.
	if len(entries) == 0 {
		t.Error("no auto-checkpoints persisted")
	}
}

func TestResumeFromCheckpointUnsupported(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	if err := e.ResumeFromCheckpoint("some/path.json"); !IsInvalidState(err) {
		t.Fatalf("ResumeFromCheckpoint() error = %v, want invalid state", err)
	}
}

func TestSequentialRuns(t *testing.T) {
	e := newTestEngine(t, &mockController{})

	first := plan.NewSequencePlan("first", []plan.Message{plan.BeginRun(nil), plan.EndRun()})
	if err := e.Run(context.Background(), first); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	uid1 := e.Status().RunUID

	second := plan.NewSequencePlan("second", []plan.Message{plan.BeginRun(nil), plan.EndRun()})
	if err := e.Run(context.Background(), second); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	st := e.Status()
	if st.RunUID == uid1 {
		t.Error("run UID not regenerated for second run")
	}
	if st.MessageCount != 2 {
		t.Errorf("messageCount = %d, want reset to 2", st.MessageCount)
	}
}

func TestRunWithTracerAttached(t *testing.T) {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      true,
		Exporter:     "none",
		SamplingRate: 1,
	}, "labdaq-test", "dev", "test")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctrl := &mockController{readValue: 4.2}
	e := newTestEngine(t, ctrl, WithTracer(tracer))

	if err := e.Run(context.Background(), plan.NewCountPlan("det1", 2, 0)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(ctrl.reads) != 2 {
		t.Errorf("reads = %d, want 2", len(ctrl.reads))
	}

	// A failing module command must still close its span and surface the
	// classified error.
	ctrl2 := &mockController{triggerErr: errors.New("no ack")}
	e2 := newTestEngine(t, ctrl2, WithTracer(tracer))
	if err := e2.Run(context.Background(), plan.NewCountPlan("det1", 1, 0)); !IsMessageProcessing(err) {
		t.Fatalf("Run() error = %v, want message processing", err)
	}
}
