// Package rules evaluates resource records against the fixed audit rule set.
package rules

import "github.com/yairfalse/varmuus/pkg/resource"

// Input is everything a rule may look at. Rules must never call a cloud API
// or read external state.
type Input struct {
	Record resource.Record
	Facts  resource.UnitFacts
}

// Output is what one rule contributes for one record. Nil flags leave the
// status entry untouched.
type Output struct {
	Findings []resource.Finding

	BackupEnabled     *bool
	BackupBasis       string
	VersioningEnabled *bool
	AdminAccess       *bool
}

// Rule is a single deterministic audit rule.
// Rules must be stateless and safe to call concurrently.
type Rule interface {
	// ID returns the unique, stable identifier (e.g. "PUBLIC_EXPOSURE").
	ID() string

	// Name returns a short human-readable rule name.
	Name() string

	// Evaluate inspects one record. Records of kinds the rule does not cover
	// yield an empty Output.
	Evaluate(in Input) Output
}

func newFinding(rule Rule, rec resource.Record, risk string, sev resource.Severity, detail string) resource.Finding {
	return resource.Finding{
		ResourceID: rec.ID,
		Kind:       rec.Kind,
		Region:     rec.Region,
		Service:    rec.Service,
		Rule:       rule.ID(),
		Risk:       risk,
		Severity:   sev,
		Detail:     detail,
	}
}

func boolPtr(b bool) *bool { return &b }
