package rules

import (
	"time"

	"github.com/yairfalse/varmuus/pkg/resource"
)

// BaseStatus builds the inventory entry for a record before any rule runs.
func BaseStatus(rec resource.Record, facts resource.UnitFacts) resource.Status {
	s := resource.Status{
		ResourceID: rec.ID,
		Kind:       rec.Kind,
		Service:    rec.Service,
		Region:     rec.Region,
	}

	switch rec.Kind {
	case resource.KindInstance:
		s.State = rec.Instance.State
	case resource.KindDatabase:
		s.State = rec.Database.Status
		days := rec.Database.BackupRetentionDays
		s.RetentionDays = &days
		s.LatestRestorable = formatTime(rec.Database.LatestRestorableTime)
		if facts.ManualSnapshotsFailed {
			failed := true
			s.SnapshotsFailed = &failed
		} else {
			snaps := len(facts.ManualSnapshots)
			s.ManualSnapshots = &snaps
		}
	case resource.KindBucket:
		s.Name = rec.ID
		s.CreatedAt = formatTime(rec.Bucket.CreatedAt)
	case resource.KindSecurityGroupRule:
		s.Name = rec.SecurityGroupRule.GroupName
	case resource.KindIAMUser:
		s.Name = rec.ID
		s.ARN = rec.IAMUser.ARN
		s.CreatedAt = formatTime(rec.IAMUser.CreatedAt)
		s.AttachedPolicies = rec.IAMUser.AttachedPolicies
		s.InlinePolicies = rec.IAMUser.InlinePolicies
	case resource.KindIAMRole:
		s.Name = rec.ID
		s.ARN = rec.IAMRole.ARN
		s.CreatedAt = formatTime(rec.IAMRole.CreatedAt)
		s.MaxSessionDuration = rec.IAMRole.MaxSessionDuration
		s.TrustedPrincipals = rec.IAMRole.TrustedPrincipals
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
