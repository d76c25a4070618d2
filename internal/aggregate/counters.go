package aggregate

import (
	"github.com/yairfalse/varmuus/pkg/report"
	"github.com/yairfalse/varmuus/pkg/resource"
)

// sharedCounters appear in the global summary and in region summaries.
var sharedCounters = []string{
	report.InstanceCount, report.Running, report.Stopped,
	report.InstancesWithBackup, report.InstancesWithoutBackup,
	report.DBInstanceCount, report.DatabasesWithBackup, report.DatabasesWithoutBackup,
	report.BucketCount, report.VersioningEnabled, report.VersioningDisabled,
	report.SecurityGroupRuleCount, report.OpenToWorld,
	report.IAMUserCount, report.AdminUsers, report.IAMRoleCount,
	report.FindingCount,
}

// kindCounters are initialized to zero when a region first sees a kind.
var kindCounters = map[resource.Kind][]string{
	resource.KindInstance:          {report.InstanceCount, report.Running, report.Stopped, report.InstancesWithBackup, report.InstancesWithoutBackup},
	resource.KindDatabase:          {report.DBInstanceCount, report.DatabasesWithBackup, report.DatabasesWithoutBackup},
	resource.KindBucket:            {report.BucketCount, report.VersioningEnabled, report.VersioningDisabled},
	resource.KindSecurityGroupRule: {report.SecurityGroupRuleCount, report.OpenToWorld},
	resource.KindIAMUser:           {report.IAMUserCount, report.AdminUsers},
	resource.KindIAMRole:           {report.IAMRoleCount},
}

// count folds one newly inventoried resource and its findings into the
// counters of its region. Callers hold a.mu.
func (a *Aggregator) count(st resource.Status, findings []resource.Finding) {
	c, ok := a.regions[st.Region]
	if !ok {
		c = report.Counters{report.FindingCount: 0}
		a.regions[st.Region] = c
	}
	for _, name := range kindCounters[st.Kind] {
		if _, ok := c[name]; !ok {
			c[name] = 0
		}
	}

	switch st.Kind {
	case resource.KindInstance:
		c[report.InstanceCount]++
		switch st.State {
		case "running":
			c[report.Running]++
		case "stopped":
			c[report.Stopped]++
		}
		if isTrue(st.BackupEnabled) {
			c[report.InstancesWithBackup]++
		} else {
			c[report.InstancesWithoutBackup]++
		}
	case resource.KindDatabase:
		c[report.DBInstanceCount]++
		if isTrue(st.BackupEnabled) {
			c[report.DatabasesWithBackup]++
		} else {
			c[report.DatabasesWithoutBackup]++
		}
	case resource.KindBucket:
		c[report.BucketCount]++
		if isTrue(st.VersioningEnabled) {
			c[report.VersioningEnabled]++
		} else {
			c[report.VersioningDisabled]++
		}
	case resource.KindSecurityGroupRule:
		c[report.SecurityGroupRuleCount]++
	case resource.KindIAMUser:
		c[report.IAMUserCount]++
		if isTrue(st.AdminAccess) {
			c[report.AdminUsers]++
		}
	case resource.KindIAMRole:
		c[report.IAMRoleCount]++
	}

	for _, f := range findings {
		c[report.FindingCount]++
		if f.Risk == "OPEN_TO_WORLD" {
			c[report.OpenToWorld]++
		}
	}
}

func isTrue(b *bool) bool {
	return b != nil && *b
}
