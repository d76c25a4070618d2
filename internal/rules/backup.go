package rules

import (
	"fmt"

	"github.com/yairfalse/varmuus/pkg/resource"
)

// BasisRegionSnapshot marks instance backup flags derived from the presence
// of any account-owned snapshot in the region, not from the instance itself.
const BasisRegionSnapshot = "region_snapshot"

// BasisRetention marks database backup flags derived from automated backup retention.
const BasisRetention = "automated_retention"

// BackupPresence flags instances and databases without backups.
type BackupPresence struct{}

func (BackupPresence) ID() string   { return "BACKUP_PRESENCE" }
func (BackupPresence) Name() string { return "Backup presence" }

func (r BackupPresence) Evaluate(in Input) Output {
	rec := in.Record
	var enabled bool
	var out Output

	switch rec.Kind {
	case resource.KindInstance:
		// Snapshots are not linked to instances, so the region-wide fact is
		// stamped on every instance in the unit.
		enabled = in.Facts.SnapshotsPresent
		out.BackupBasis = BasisRegionSnapshot
	case resource.KindDatabase:
		enabled = rec.Database.BackupRetentionDays > 0
		out.BackupBasis = BasisRetention
	default:
		return Output{}
	}

	out.BackupEnabled = boolPtr(enabled)
	if !enabled {
		out.Findings = []resource.Finding{newFinding(r, rec, "BACKUP_DISABLED", resource.SeverityMedium,
			fmt.Sprintf("%s %s has no backup", rec.Kind, rec.ID))}
	}
	return out
}
