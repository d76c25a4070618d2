package rules

import (
	"fmt"

	"github.com/yairfalse/varmuus/pkg/resource"
)

// Registry is an ordered, in-memory rule set.
// Rules are evaluated in registration order.
// Register panics on duplicate rule IDs to catch wiring mistakes at startup.
type Registry struct {
	rules []Rule
	index map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]struct{})}
}

// Default returns a registry holding the standard audit rules.
func Default() *Registry {
	r := NewRegistry()
	r.Register(BackupPresence{})
	r.Register(VersioningPresence{})
	r.Register(PublicExposure{})
	r.Register(AdminAccess{})
	return r
}

// Register adds rule to the registry. Panics if the same ID is registered twice.
func (r *Registry) Register(rule Rule) {
	if _, exists := r.index[rule.ID()]; exists {
		panic(fmt.Sprintf("duplicate rule ID: %q", rule.ID()))
	}
	r.rules = append(r.rules, rule)
	r.index[rule.ID()] = struct{}{}
}

// All returns all registered rules in registration order.
func (r *Registry) All() []Rule {
	return r.rules
}

// Evaluate runs every rule against in and merges the outputs into the
// record's status entry and its findings.
func (r *Registry) Evaluate(in Input) (resource.Status, []resource.Finding) {
	status := BaseStatus(in.Record, in.Facts)
	var findings []resource.Finding

	for _, rule := range r.rules {
		out := rule.Evaluate(in)
		if out.BackupEnabled != nil {
			status.BackupEnabled = out.BackupEnabled
		}
		if out.BackupBasis != "" {
			status.BackupBasis = out.BackupBasis
		}
		if out.VersioningEnabled != nil {
			status.VersioningEnabled = out.VersioningEnabled
		}
		if out.AdminAccess != nil {
			status.AdminAccess = out.AdminAccess
		}
		findings = append(findings, out.Findings...)
	}
	return status, findings
}
