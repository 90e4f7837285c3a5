package policy

import (
	"time"

	"github.com/labdaq/labdaq/pkg/plan"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a plan from running.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be bypassed.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Plan is the name of the plan that violated the policy.
	Plan string `json:"plan,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the outcome of evaluating all policies against a plan.
type Result struct {
	// Allowed indicates if the plan may be queued.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the plan.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PlanInfo is the plan summary handed to Rego as input.plan.
type PlanInfo struct {
	// Name is the plan name from its metadata.
	Name string `json:"name"`

	// Description is the plan description from its metadata.
	Description string `json:"description,omitempty"`

	// Modules lists the module identifiers the plan touches.
	Modules []string `json:"modules"`
}

// Input represents the input data for policy evaluation.
type Input struct {
	// Plan is the plan being evaluated.
	Plan *PlanInfo `json:"plan"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operator is the user queueing the plan.
	Operator string `json:"operator,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being gated, currently always "queue".
	Operation string `json:"operation,omitempty"`
}

// NewPlanInput builds the evaluation input for a plan. Module
// identifiers are taken from plans that report them.
func NewPlanInput(p plan.Plan) *Input {
	name, description := p.Metadata()
	info := &PlanInfo{
		Name:        name,
		Description: description,
		Modules:     []string{},
	}
	if lister, ok := p.(plan.ModuleLister); ok {
		info.Modules = lister.Modules()
	}

	return &Input{
		Plan: info,
		Context: &Context{
			Timestamp: time.Now(),
			Operation: "queue",
		},
	}
}
