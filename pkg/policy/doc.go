// Package policy provides Open Policy Agent (OPA) integration for labdaq.
//
// This package gates plans before they are queued on the run engine using
// the Rego policy language. It includes built-in policies for naming and
// safety conventions and supports loading custom policies from files.
//
// # Usage
//
// Creating a policy engine and checking a plan:
//
//	logger := zerolog.New(os.Stdout)
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	p := plan.NewCountPlan("det1", 10, 500*time.Millisecond)
//	result, err := eng.EvaluatePlan(ctx, p)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("Policy %s violated: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. plan-naming - Requires lowercase alphanumeric plan names
//  2. module-naming - Requires lowercase dotted module identifiers
//  3. module-budget - Warns when a plan touches more than 16 modules
//
// # Custom Policies
//
// Custom policies are written in Rego against input.plan and loaded from
// files or directories:
//
//	package custom.policies.detectors
//
//	import rego.v1
//
//	deny contains violation if {
//	    some module in input.plan.modules
//	    startswith(module, "hv.")
//	    violation := {
//	        "message": sprintf("module '%s' requires shift-leader approval", [module]),
//	        "severity": "error",
//	        "plan": input.plan.name,
//	    }
//	}
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Issues that should be reviewed but don't block the plan
//   - error: Issues that block the plan from queueing
//   - critical: Severe issues requiring immediate attention
//
// # Hot Reload
//
// The loader supports watching policy files for changes and reloading
// automatically:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.LoadPolicies(ctx, paths)
//	})
package policy
