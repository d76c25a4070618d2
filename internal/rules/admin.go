package rules

import (
	"fmt"

	"github.com/yairfalse/varmuus/pkg/resource"
)

// AdministratorPolicy is the managed policy name that grants full access.
const AdministratorPolicy = "AdministratorAccess"

// AdminAccess flags users with the administrator managed policy attached.
// Inline policies are not inspected.
type AdminAccess struct{}

func (AdminAccess) ID() string   { return "ADMIN_ACCESS" }
func (AdminAccess) Name() string { return "Administrator access" }

func (r AdminAccess) Evaluate(in Input) Output {
	rec := in.Record
	if rec.Kind != resource.KindIAMUser {
		return Output{}
	}

	admin := false
	for _, p := range rec.IAMUser.AttachedPolicies {
		if p == AdministratorPolicy {
			admin = true
			break
		}
	}

	out := Output{AdminAccess: boolPtr(admin)}
	if admin {
		out.Findings = []resource.Finding{newFinding(r, rec, "ADMIN_ACCESS", resource.SeverityHigh,
			fmt.Sprintf("user %s has %s attached", rec.ID, AdministratorPolicy))}
	}
	return out
}
