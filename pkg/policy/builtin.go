package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		planNamingPolicy(),
		moduleNamingPolicy(),
		moduleBudgetPolicy(),
	}
}

// planNamingPolicy requires every plan to carry a usable name.
func planNamingPolicy() Policy {
	return Policy{
		Name:        "plan-naming",
		Description: "Requires plans to have a lowercase alphanumeric name",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package labdaq.policies.naming

import rego.v1

# Plans must have a name
deny contains violation if {
	input.plan
	not input.plan.name
	violation := {
		"message": "plan must have a name",
		"severity": "error",
	}
}

deny contains violation if {
	input.plan
	input.plan.name == ""
	violation := {
		"message": "plan must have a name",
		"severity": "error",
	}
}

deny contains violation if {
	input.plan
	name := input.plan.name
	name != ""
	not regex.match("^[a-z0-9_-]+$", name)
	violation := {
		"message": sprintf("plan name '%s' must contain only lowercase letters, numbers, hyphens, and underscores", [name]),
		"severity": "error",
		"plan": name,
	}
}
`,
	}
}

// moduleNamingPolicy enforces the dotted module identifier convention.
func moduleNamingPolicy() Policy {
	return Policy{
		Name:        "module-naming",
		Description: "Requires module identifiers to be lowercase dotted names",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "modules"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package labdaq.policies.modules

import rego.v1

deny contains violation if {
	some module in input.plan.modules
	not regex.match("^[a-z][a-z0-9_]*(\\.[a-z][a-z0-9_]*)*$", module)
	violation := {
		"message": sprintf("module identifier '%s' must be a lowercase dotted name", [module]),
		"severity": "error",
		"plan": input.plan.name,
	}
}
`,
	}
}

// moduleBudgetPolicy flags plans that fan out across too many modules.
func moduleBudgetPolicy() Policy {
	return Policy{
		Name:        "module-budget",
		Description: "Warns when a single plan touches more than 16 modules",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package labdaq.policies.budget

import rego.v1

deny contains violation if {
	count(input.plan.modules) > 16
	violation := {
		"message": sprintf("plan touches %d modules, expected at most 16", [count(input.plan.modules)]),
		"severity": "warning",
		"plan": input.plan.name,
	}
}
`,
	}
}
