package rules

import (
	"fmt"

	"github.com/yairfalse/varmuus/pkg/resource"
)

// VersioningEnabledStatus is the only bucket versioning status treated as enabled.
const VersioningEnabledStatus = "Enabled"

// VersioningPresence flags buckets without versioning. A failed lookup
// counts as disabled.
type VersioningPresence struct{}

func (VersioningPresence) ID() string   { return "VERSIONING_PRESENCE" }
func (VersioningPresence) Name() string { return "Versioning presence" }

func (r VersioningPresence) Evaluate(in Input) Output {
	rec := in.Record
	if rec.Kind != resource.KindBucket {
		return Output{}
	}

	enabled := !rec.Bucket.VersioningLookupFailed && rec.Bucket.VersioningStatus == VersioningEnabledStatus
	out := Output{VersioningEnabled: boolPtr(enabled)}
	if !enabled {
		detail := fmt.Sprintf("bucket %s does not have versioning enabled", rec.ID)
		if rec.Bucket.VersioningLookupFailed {
			detail = fmt.Sprintf("versioning status of bucket %s could not be read", rec.ID)
		}
		out.Findings = []resource.Finding{newFinding(r, rec, "VERSIONING_DISABLED", resource.SeverityMedium, detail)}
	}
	return out
}
