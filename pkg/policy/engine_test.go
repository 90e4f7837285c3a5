package policy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/labdaq/labdaq/pkg/plan"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	return e
}

func TestBuiltinPoliciesLoaded(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(GetBuiltinPolicies()) {
		t.Errorf("expected %d built-in policies, got %d", len(GetBuiltinPolicies()), len(policies))
	}

	for _, name := range []string{"plan-naming", "module-naming", "module-budget"} {
		if _, err := e.GetPolicy(name); err != nil {
			t.Errorf("expected built-in policy %s, got %v", name, err)
		}
	}
}

func TestEvaluatePlanAllowed(t *testing.T) {
	e := newTestEngine(t)

	p := plan.NewCountPlan("det1", 5, 100*time.Millisecond)
	result, err := e.EvaluatePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("failed to evaluate plan: %v", err)
	}

	if !result.Allowed {
		t.Errorf("expected plan to be allowed, violations: %v", result.Violations)
	}
	if len(result.EvaluatedPolicies) != len(GetBuiltinPolicies()) {
		t.Errorf("expected all built-in policies evaluated, got %v", result.EvaluatedPolicies)
	}
}

func TestEvaluatePlanRejectsBadModuleName(t *testing.T) {
	e := newTestEngine(t)

	p := plan.NewCountPlan("Det-1!", 5, 0)
	result, err := e.EvaluatePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("failed to evaluate plan: %v", err)
	}

	if result.Allowed {
		t.Fatal("expected plan with invalid module identifier to be denied")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "module-naming" && v.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a module-naming violation, got %v", result.Violations)
	}
}

func TestEvaluatePlanWarningDoesNotBlock(t *testing.T) {
	e := newTestEngine(t)

	var messages []plan.Message
	messages = append(messages, plan.BeginRun(nil))
	for i := 0; i < 20; i++ {
		messages = append(messages, plan.Read("det"+string(rune('a'+i))))
	}
	messages = append(messages, plan.EndRun())
	p := plan.NewSequencePlan("wide_scan", messages)

	result, err := e.EvaluatePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("failed to evaluate plan: %v", err)
	}

	if !result.Allowed {
		t.Errorf("expected warning-only plan to be allowed, violations: %v", result.Violations)
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "module-budget" && v.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a module-budget warning, got %v", result.Violations)
	}
}

func TestDisabledPolicyIsSkipped(t *testing.T) {
	e := newTestEngine(t)

	if err := e.DisablePolicy("module-naming"); err != nil {
		t.Fatalf("failed to disable policy: %v", err)
	}

	p := plan.NewCountPlan("Det-1!", 5, 0)
	result, err := e.EvaluatePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("failed to evaluate plan: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected plan to be allowed with module-naming disabled, violations: %v", result.Violations)
	}

	if err := e.EnablePolicy("module-naming"); err != nil {
		t.Fatalf("failed to re-enable policy: %v", err)
	}
	result, err = e.EvaluatePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("failed to evaluate plan: %v", err)
	}
	if result.Allowed {
		t.Error("expected plan to be denied with module-naming re-enabled")
	}
}

func TestEnableUnknownPolicy(t *testing.T) {
	e := newTestEngine(t)

	if err := e.EnablePolicy("no-such-policy"); err == nil {
		t.Error("expected error enabling unknown policy")
	}
	if err := e.DisablePolicy("no-such-policy"); err == nil {
		t.Error("expected error disabling unknown policy")
	}
}

func TestReloadRestoresBuiltins(t *testing.T) {
	e := newTestEngine(t)

	if err := e.DisablePolicy("plan-naming"); err != nil {
		t.Fatalf("failed to disable policy: %v", err)
	}
	if err := e.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("failed to reload policies: %v", err)
	}

	p, err := e.GetPolicy("plan-naming")
	if err != nil {
		t.Fatalf("expected plan-naming after reload: %v", err)
	}
	if !p.Enabled {
		t.Error("expected reloaded built-in policy to be enabled")
	}
}

func TestCustomPolicyDeniesPlan(t *testing.T) {
	e := newTestEngine(t)

	custom := Policy{
		Name:     "no-hv",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package labdaq.policies.hv

import rego.v1

deny contains violation if {
	some module in input.plan.modules
	startswith(module, "hv.")
	violation := {
		"message": sprintf("module '%s' is interlocked", [module]),
		"severity": "error",
		"plan": input.plan.name,
	}
}
`,
	}
	if err := e.compileAndStorePolicy(&custom); err != nil {
		t.Fatalf("failed to compile custom policy: %v", err)
	}

	p := plan.NewCountPlan("hv.supply1", 1, 0)
	result, err := e.EvaluatePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("failed to evaluate plan: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected custom policy to deny the plan")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "no-hv" && v.Plan == "count" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a no-hv violation for the count plan, got %v", result.Violations)
	}
}
