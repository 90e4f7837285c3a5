package plan

import (
	"errors"
	"testing"
	"time"
)

// drain pulls every message from a plan, failing the test on unexpected
// stream errors.
func drain(t *testing.T, p Plan) []Message {
	t.Helper()

	var msgs []Message
	for {
		m, err := p.Next()
		if errors.Is(err, ErrEndOfStream) {
			return msgs
		}
		if err != nil {
			t.Fatalf("unexpected stream error after %d messages: %v", len(msgs), err)
		}
		msgs = append(msgs, m)
		if len(msgs) > 100000 {
			t.Fatal("plan stream did not terminate")
		}
	}
}

func countKind(msgs []Message, kind MessageKind) int {
	n := 0
	for _, m := range msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func TestTimeSeriesPlan_Stream(t *testing.T) {
	p := NewTimeSeriesPlan("power_meter", 5*time.Second, time.Second)

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := p.TotalSteps(); got != 5 {
		t.Fatalf("TotalSteps = %d, want 5", got)
	}

	msgs := drain(t, p)

	if msgs[0].Kind != KindBeginRun {
		t.Errorf("first message = %s, want begin_run", msgs[0].Kind)
	}
	if msgs[len(msgs)-1].Kind != KindEndRun {
		t.Errorf("last message = %s, want end_run", msgs[len(msgs)-1].Kind)
	}
	if got := countKind(msgs, KindTrigger); got != 5 {
		t.Errorf("trigger count = %d, want 5", got)
	}
	if got := countKind(msgs, KindRead); got != 5 {
		t.Errorf("read count = %d, want 5", got)
	}
	// No sleep after the final sample.
	if got := countKind(msgs, KindSleep); got != 4 {
		t.Errorf("sleep count = %d, want 4", got)
	}
}

func TestTimeSeriesPlan_OneShot(t *testing.T) {
	p := NewTimeSeriesPlan("pm", 2*time.Second, time.Second)
	drain(t, p)

	if _, err := p.Next(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Next after exhaustion = %v, want ErrEndOfStream", err)
	}
}

func TestTimeSeriesPlan_Validate(t *testing.T) {
	tests := []struct {
		name string
		plan *TimeSeriesPlan
	}{
		{"missing module", NewTimeSeriesPlan("", time.Second, time.Second)},
		{"zero interval", NewTimeSeriesPlan("pm", time.Second, 0)},
		{"duration below interval", NewTimeSeriesPlan("pm", time.Second, 2*time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.plan.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestScanPlan_Stream(t *testing.T) {
	p := NewScanPlan("motor_x", "position", 0, 10, 5, "det1")
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	msgs := drain(t, p)

	sets := make([]Message, 0, 5)
	for _, m := range msgs {
		if m.Kind == KindSet {
			sets = append(sets, m)
		}
	}
	if len(sets) != 5 {
		t.Fatalf("set count = %d, want 5", len(sets))
	}
	if sets[0].Value != "0" {
		t.Errorf("first set value = %q, want 0", sets[0].Value)
	}
	if sets[4].Value != "10" {
		t.Errorf("last set value = %q, want 10", sets[4].Value)
	}
	if got := countKind(msgs, KindRead); got != 5 {
		t.Errorf("read count = %d, want 5", got)
	}

	mods := p.Modules()
	if len(mods) != 2 || mods[0] != "motor_x" || mods[1] != "det1" {
		t.Errorf("Modules = %v, want [motor_x det1]", mods)
	}
}

func TestScanPlan_Validate(t *testing.T) {
	if err := NewScanPlan("m", "pos", 0, 1, 1, "d").Validate(); err == nil {
		t.Error("expected error for single-step scan")
	}
	if err := NewScanPlan("", "pos", 0, 1, 3, "d").Validate(); err == nil {
		t.Error("expected error for missing target")
	}
	if err := NewScanPlan("m", "pos", 0, 1, 3, "").Validate(); err == nil {
		t.Error("expected error for missing detector")
	}
}

func TestCountPlan_Stream(t *testing.T) {
	p := NewCountPlan("cam1", 3, 0)
	msgs := drain(t, p)

	// BeginRun + 3x(Trigger, Read) + EndRun
	if len(msgs) != 8 {
		t.Fatalf("message count = %d, want 8", len(msgs))
	}
	if got := countKind(msgs, KindSleep); got != 0 {
		t.Errorf("sleep count = %d, want 0 for zero delay", got)
	}
}

func TestSequencePlan_WrapCommand(t *testing.T) {
	p := WrapCommand(Trigger("cam1"))
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	msgs := drain(t, p)
	if len(msgs) != 3 {
		t.Fatalf("message count = %d, want 3", len(msgs))
	}
	if msgs[0].Kind != KindBeginRun || msgs[1].Kind != KindTrigger || msgs[2].Kind != KindEndRun {
		t.Errorf("unexpected sequence: %v %v %v", msgs[0].Kind, msgs[1].Kind, msgs[2].Kind)
	}

	mods := p.Modules()
	if len(mods) != 1 || mods[0] != "cam1" {
		t.Errorf("Modules = %v, want [cam1]", mods)
	}
}

func TestSequencePlan_Empty(t *testing.T) {
	if err := NewSequencePlan("empty", nil).Validate(); err == nil {
		t.Error("expected error for empty sequence")
	}
}

func TestMessageString(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Set("laser", "power", "3.5"), "set(laser.power=3.5)"},
		{Trigger("cam1"), "trigger(cam1)"},
		{Sleep(1.5), "sleep(1.500s)"},
		{Checkpoint("mid"), "checkpoint(mid)"},
		{Checkpoint(""), "checkpoint"},
		{EndRun(), "end_run"},
	}

	for _, tt := range tests {
		if got := tt.msg.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
