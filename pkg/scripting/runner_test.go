package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/labdaq/labdaq/pkg/engine"
	"github.com/labdaq/labdaq/pkg/plan"
	"github.com/labdaq/labdaq/pkg/telemetry"
)

// mockEngine feeds a configurable document stream per dispatched run.
type mockEngine struct {
	b *engine.Broadcaster

	mu     sync.Mutex
	n      int
	queued string
	runs   []string
	plans  []plan.Plan

	eventsPerRun int
	startDelay   time.Duration
	queueErr     error
	failRuns     bool
}

func newMockEngine() *mockEngine {
	return &mockEngine{b: engine.NewBroadcaster(64, zerolog.Nop())}
}

func (m *mockEngine) Queue(p plan.Plan) (string, error) {
	if m.queueErr != nil {
		return "", m.queueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	m.queued = fmt.Sprintf("run-%d", m.n)
	m.runs = append(m.runs, m.queued)
	m.plans = append(m.plans, p)
	return m.queued, nil
}

func (m *mockEngine) Start(ctx context.Context) error {
	m.mu.Lock()
	uid := m.queued
	m.mu.Unlock()

	if m.startDelay > 0 {
		time.Sleep(m.startDelay)
	}

	for i := 1; i <= m.eventsPerRun; i++ {
		m.b.Publish(engine.NewEventDocument(uid, i, map[string]float64{"det1": float64(i)}, nil))
	}
	if m.failRuns {
		m.b.Publish(engine.NewStopDocument(uid, engine.ExitFail, "mock failure", m.eventsPerRun))
		return errors.New("mock failure")
	}
	m.b.Publish(engine.NewStopDocument(uid, engine.ExitSuccess, "", m.eventsPerRun))
	return nil
}

func (m *mockEngine) Subscribe() *engine.Subscription      { return m.b.Subscribe() }
func (m *mockEngine) Unsubscribe(sub *engine.Subscription) { m.b.Unsubscribe(sub) }

func runScript(t *testing.T, eng Engine, cfg ScriptRunConfig, src string) ScriptRunReport {
	t.Helper()
	r := NewScriptPlanRunner(eng, cfg)
	return r.Run(context.Background(), "test.star", []byte(src))
}

func TestScriptYieldsOnePlanThenDone(t *testing.T) {
	eng := newMockEngine()
	eng.eventsPerRun = 5

	report := runScript(t, eng, DefaultScriptRunConfig(), `
res = run_plan(count(module="det1", count=3))
`)

	if !report.Success {
		t.Fatalf("report failed: %s", report.Error)
	}
	if report.PlansExecuted != 1 {
		t.Errorf("PlansExecuted = %d, want 1", report.PlansExecuted)
	}
	if report.TotalEvents != 5 {
		t.Errorf("TotalEvents = %d, want 5", report.TotalEvents)
	}
	if len(report.RunUIDs) != 1 || report.RunUIDs[0] != "run-1" {
		t.Errorf("RunUIDs = %v, want [run-1]", report.RunUIDs)
	}
}

func TestScriptWithZeroPlans(t *testing.T) {
	report := runScript(t, newMockEngine(), DefaultScriptRunConfig(), `
x = 40 + 2
`)

	if !report.Success {
		t.Fatalf("report failed: %s", report.Error)
	}
	if report.PlansExecuted != 0 {
		t.Errorf("PlansExecuted = %d, want 0", report.PlansExecuted)
	}
	if len(report.RunUIDs) != 0 {
		t.Errorf("RunUIDs = %v, want empty", report.RunUIDs)
	}
}

func TestMaxPlansLimit(t *testing.T) {
	eng := newMockEngine()
	cfg := DefaultScriptRunConfig()
	cfg.MaxPlans = 2

	report := runScript(t, eng, cfg, `
def main():
    for _ in range(3):
        run_plan(count(module="det1", count=1))

main()
`)

	if report.Success {
		t.Fatal("report succeeded despite plan limit")
	}
	if report.PlansExecuted != 2 {
		t.Errorf("PlansExecuted = %d, want 2", report.PlansExecuted)
	}
	if !strings.Contains(report.Error, "maximum plan limit") {
		t.Errorf("Error = %q, want plan limit message", report.Error)
	}
}

func TestScriptFailure(t *testing.T) {
	report := runScript(t, newMockEngine(), DefaultScriptRunConfig(), `
fail("boom")
`)

	if report.Success {
		t.Fatal("report succeeded despite fail()")
	}
	if !strings.Contains(report.Error, "boom") {
		t.Errorf("Error = %q, want to contain %q", report.Error, "boom")
	}
}

func TestScriptSyntaxError(t *testing.T) {
	report := runScript(t, newMockEngine(), DefaultScriptRunConfig(), `
def broken(
`)

	if report.Success {
		t.Fatal("report succeeded despite syntax error")
	}
	if report.Error == "" {
		t.Error("Error is empty")
	}
}

func TestStopAtFirstFailingPlan(t *testing.T) {
	eng := newMockEngine()
	eng.failRuns = true
	cfg := DefaultScriptRunConfig()
	cfg.ContinueOnError = false

	report := runScript(t, eng, cfg, `
def main():
    run_plan(count(module="det1", count=1))
    run_plan(count(module="det1", count=1))

main()
`)

	if report.Success {
		t.Fatal("report succeeded despite failing plan")
	}
	if report.PlansExecuted != 1 {
		t.Errorf("PlansExecuted = %d, want 1", report.PlansExecuted)
	}
}

func TestContinueOnError(t *testing.T) {
	eng := newMockEngine()
	eng.failRuns = true
	cfg := DefaultScriptRunConfig()
	cfg.ContinueOnError = true

	report := runScript(t, eng, cfg, `
def main():
    run_plan(count(module="det1", count=1))
    run_plan(count(module="det1", count=1))

main()
`)

	if !report.Success {
		t.Fatalf("report failed: %s", report.Error)
	}
	// Failed plans still count as executed.
	if report.PlansExecuted != 2 {
		t.Errorf("PlansExecuted = %d, want 2", report.PlansExecuted)
	}
	if len(report.RunUIDs) != 2 {
		t.Errorf("RunUIDs = %v, want both runs", report.RunUIDs)
	}
}

func TestScriptTimeout(t *testing.T) {
	eng := newMockEngine()
	eng.startDelay = 150 * time.Millisecond
	cfg := DefaultScriptRunConfig()
	cfg.Timeout = 200 * time.Millisecond

	report := runScript(t, eng, cfg, `
def main():
    for _ in range(10):
        run_plan(count(module="det1", count=1))

main()
`)

	if report.Success {
		t.Fatal("report succeeded despite timeout")
	}
	if !strings.Contains(report.Error, "timed out") {
		t.Errorf("Error = %q, want timeout message", report.Error)
	}
	if report.Duration < 200*time.Millisecond {
		t.Errorf("Duration = %v, shorter than the timeout", report.Duration)
	}
	// Counters survive the cutoff.
	if report.PlansExecuted == 0 {
		t.Error("PlansExecuted = 0, want the plans that ran before the deadline")
	}
}

func TestQueueErrorFailsPlan(t *testing.T) {
	eng := newMockEngine()
	eng.queueErr = errors.New("engine busy")

	report := runScript(t, eng, DefaultScriptRunConfig(), `
res = run_plan(count(module="det1", count=1))
`)

	if report.Success {
		t.Fatal("report succeeded despite queue failure")
	}
	if !strings.Contains(report.Error, "engine busy") {
		t.Errorf("Error = %q, want queue failure", report.Error)
	}
}

func TestCommandHelpersDispatchSingleStepPlans(t *testing.T) {
	eng := newMockEngine()

	report := runScript(t, eng, DefaultScriptRunConfig(), `
trigger("cam1")
set("motor_x", "position", 2.5)
wait(0)
log("halfway there")
`)

	if !report.Success {
		t.Fatalf("report failed: %s", report.Error)
	}
	if report.PlansExecuted != 4 {
		t.Errorf("PlansExecuted = %d, want 4", report.PlansExecuted)
	}
}

func TestInvalidPlanConstructorFailsScript(t *testing.T) {
	report := runScript(t, newMockEngine(), DefaultScriptRunConfig(), `
p = count(module="det1", count=0)
`)

	if report.Success {
		t.Fatal("report succeeded despite invalid plan")
	}
}

func TestPlanCannotRunTwice(t *testing.T) {
	eng := newMockEngine()

	report := runScript(t, eng, DefaultScriptRunConfig(), `
p = count(module="det1", count=1)
run_plan(p)
run_plan(p)
`)

	if report.Success {
		t.Fatal("report succeeded despite reusing a one-shot plan")
	}
	if !strings.Contains(report.Error, "already executed") {
		t.Errorf("Error = %q, want one-shot message", report.Error)
	}
}

// simController acks instantly for end-to-end runs against the real engine.
type simController struct{ reading float64 }

func (c *simController) Trigger(ctx context.Context, moduleID string) error { return nil }
func (c *simController) SetParameter(ctx context.Context, target, param, value string) error {
	return nil
}
func (c *simController) Read(ctx context.Context, moduleID string) (float64, error) {
	return c.reading, nil
}

func TestRunnerWithRealEngine(t *testing.T) {
	eng := engine.NewRunEngine(&simController{reading: 7.5},
		engine.WithCheckpointDir(t.TempDir()))

	r := NewScriptPlanRunner(eng, DefaultScriptRunConfig())
	report := r.Run(context.Background(), "acq.star", []byte(`
res = run_plan(count(module="det1", count=2))
trigger("cam1")
`))

	if !report.Success {
		t.Fatalf("report failed: %s", report.Error)
	}
	if report.PlansExecuted != 2 {
		t.Errorf("PlansExecuted = %d, want 2", report.PlansExecuted)
	}
	if report.TotalEvents != 2 {
		t.Errorf("TotalEvents = %d, want 2 from the count plan", report.TotalEvents)
	}
	if st := eng.Status(); st.State != engine.StateComplete {
		t.Errorf("engine state = %q, want %q", st.State, engine.StateComplete)
	}
}

func TestScriptParamsFlowIntoSequenceMetadata(t *testing.T) {
	eng := newMockEngine()
	cfg := DefaultScriptRunConfig()
	cfg.Params = map[string]interface{}{
		"detector": "det1",
		"samples":  3,
		"gains":    []interface{}{1.5, 2.0},
	}

	report := runScript(t, eng, cfg, `
p = sequence(
    name="calibration",
    modules=[params["detector"]],
    metadata={"operator": "amy", "samples": params["samples"], "gain": params["gains"][0]},
)
run_plan(p)
`)

	if !report.Success {
		t.Fatalf("report failed: %s", report.Error)
	}
	if len(eng.plans) != 1 {
		t.Fatalf("queued plans = %d, want 1", len(eng.plans))
	}

	// The mock never consumes the plan stream, so the BeginRun is still
	// there to inspect.
	first, err := eng.plans[0].Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if first.Kind != plan.KindBeginRun {
		t.Fatalf("first message = %q, want begin_run", first.Kind)
	}
	want := map[string]string{
		"plan":     "calibration",
		"operator": "amy",
		"samples":  "3",
		"gain":     "1.5",
	}
	for k, v := range want {
		if first.Metadata[k] != v {
			t.Errorf("metadata[%q] = %q, want %q", k, first.Metadata[k], v)
		}
	}

	second, err := eng.plans[0].Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if second.Kind != plan.KindTrigger || second.ModuleID != "det1" {
		t.Errorf("second message = %v, want trigger on det1", second)
	}
}

func TestUnsupportedParamValueFailsScript(t *testing.T) {
	cfg := DefaultScriptRunConfig()
	cfg.Params = map[string]interface{}{"bad": struct{}{}}

	report := runScript(t, newMockEngine(), cfg, `x = 1`)

	if report.Success {
		t.Fatal("report succeeded despite unconvertible param")
	}
	if !strings.Contains(report.Error, "invalid script params") {
		t.Errorf("Error = %q, want params conversion failure", report.Error)
	}
}

func TestParamsAreFrozen(t *testing.T) {
	cfg := DefaultScriptRunConfig()
	cfg.Params = map[string]interface{}{"n": 1}

	report := runScript(t, newMockEngine(), cfg, `
params["n"] = 2
`)

	if report.Success {
		t.Fatal("report succeeded despite mutating frozen params")
	}
}

func TestHostScriptErrorIsClassified(t *testing.T) {
	h := NewYieldHandle()
	host := NewHost(h, nil, zerolog.Nop())

	err := host.Run("broken.star", []byte("def broken("))
	if !engine.IsScript(err) {
		t.Errorf("Run() error = %v, want script classification", err)
	}
}

func TestPlanLimitErrorIsClassified(t *testing.T) {
	eng := newMockEngine()
	cfg := DefaultScriptRunConfig()
	cfg.MaxPlans = 1

	report := runScript(t, eng, cfg, `
def main():
    run_plan(count(module="det1", count=1))
    run_plan(count(module="det1", count=1))

main()
`)

	if report.Success {
		t.Fatal("report succeeded despite plan limit")
	}
	if !strings.Contains(report.Error, string(engine.ErrorKindPlanLimit)) {
		t.Errorf("Error = %q, want %q classification", report.Error, engine.ErrorKindPlanLimit)
	}
}

func TestRunnerEmitsSpans(t *testing.T) {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      true,
		Exporter:     "none",
		SamplingRate: 1,
	}, "labdaq-test", "dev", "test")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	eng := newMockEngine()
	eng.eventsPerRun = 1
	r := NewScriptPlanRunner(eng, DefaultScriptRunConfig(), WithRunnerTracer(tracer))

	report := r.Run(context.Background(), "traced.star", []byte(`
run_plan(count(module="det1", count=1))
`))

	if !report.Success {
		t.Fatalf("report failed: %s", report.Error)
	}
}
