// Package resource defines the resource records, findings and status entries
// produced by a varmuus scan.
package resource

import "time"

// Kind discriminates the variants of a Record.
type Kind string

const (
	KindInstance          Kind = "instance"
	KindDatabase          Kind = "database"
	KindBucket            Kind = "bucket"
	KindSecurityGroupRule Kind = "security_group_rule"
	KindIAMUser           Kind = "iam_user"
	KindIAMRole           Kind = "iam_role"
)

// GlobalRegion is the region assigned to resources of non-regional services.
const GlobalRegion = "global"

// UnknownRegion is used when a global resource's home region cannot be resolved.
const UnknownRegion = "UNKNOWN"

// Record is one raw resource as listed by a source. Exactly one of the
// kind-specific attribute pointers is set, matching Kind.
type Record struct {
	Kind    Kind
	ID      string
	Region  string
	Service string

	Instance          *InstanceAttrs
	Database          *DatabaseAttrs
	Bucket            *BucketAttrs
	SecurityGroupRule *SecurityGroupRuleAttrs
	IAMUser           *IAMUserAttrs
	IAMRole           *IAMRoleAttrs
}

// Key returns a unique key for identifying a record within one scan.
func (r Record) Key() string {
	return r.Service + "|" + r.Region + "|" + r.ID
}

// Valid reports whether the attribute pointer matching Kind is set.
func (r Record) Valid() bool {
	if r.ID == "" {
		return false
	}
	switch r.Kind {
	case KindInstance:
		return r.Instance != nil
	case KindDatabase:
		return r.Database != nil
	case KindBucket:
		return r.Bucket != nil
	case KindSecurityGroupRule:
		return r.SecurityGroupRule != nil
	case KindIAMUser:
		return r.IAMUser != nil
	case KindIAMRole:
		return r.IAMRole != nil
	}
	return false
}

// InstanceAttrs holds compute instance attributes.
type InstanceAttrs struct {
	State        string
	InstanceType string
}

// DatabaseAttrs holds database instance attributes.
type DatabaseAttrs struct {
	Status               string
	Engine               string
	BackupRetentionDays  int32
	LatestRestorableTime *time.Time
}

// BucketAttrs holds storage bucket attributes. VersioningLookupFailed is set
// when the versioning status could not be read.
type BucketAttrs struct {
	VersioningStatus       string
	VersioningLookupFailed bool
	LocationLookupFailed   bool
	CreatedAt              *time.Time
}

// SecurityGroupRuleAttrs holds one ingress permission for one source range.
// FromPort and ToPort are nil for all-traffic rules.
type SecurityGroupRuleAttrs struct {
	GroupID   string
	GroupName string
	Protocol  string
	FromPort  *int32
	ToPort    *int32
	CIDR      string
}

// IAMUserAttrs holds identity user attributes.
type IAMUserAttrs struct {
	ARN              string
	CreatedAt        *time.Time
	AttachedPolicies []string
	InlinePolicies   []string
}

// IAMRoleAttrs holds identity role attributes.
type IAMRoleAttrs struct {
	ARN                string
	CreatedAt          *time.Time
	MaxSessionDuration int32
	TrustedPrincipals  []string
}

// UnitFacts are computed once per (region, service) before the unit's
// records are evaluated.
type UnitFacts struct {
	// SnapshotsPresent is true when the region holds at least one
	// account-owned volume snapshot.
	SnapshotsPresent bool

	// ManualSnapshots lists the manual database snapshots in the region.
	ManualSnapshots []DBSnapshot
	// ManualSnapshotsFailed is set when the snapshot listing could not be
	// read. ManualSnapshots is then empty and says nothing about the region.
	ManualSnapshotsFailed bool

	// AccountSummary holds the identity service account counters.
	// Nil when the summary could not be read.
	AccountSummary map[string]int
}

// DBSnapshot is one manual database snapshot.
type DBSnapshot struct {
	SnapshotID string `json:"snapshot_id" yaml:"snapshot_id"`
	DBInstance string `json:"db_instance" yaml:"db_instance"`
	Region     string `json:"region" yaml:"region"`
	CreatedAt  string `json:"create_time,omitempty" yaml:"create_time,omitempty"`
	Status     string `json:"status" yaml:"status"`
	Engine     string `json:"engine" yaml:"engine"`
}

// Severity classifies a finding.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Finding is a rule violation tied to one resource.
type Finding struct {
	ResourceID string         `json:"resource_id" yaml:"resource_id"`
	Kind       Kind           `json:"kind" yaml:"kind"`
	Region     string         `json:"region" yaml:"region"`
	Service    string         `json:"service" yaml:"service"`
	Rule       string         `json:"rule" yaml:"rule"`
	Risk       string         `json:"risk" yaml:"risk"`
	Severity   Severity       `json:"severity" yaml:"severity"`
	Detail     string         `json:"detail" yaml:"detail"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Status is the flat per-resource inventory entry written to the
// backup_monitoring list. Optional flags are pointers so that a false value
// is still serialized for the kinds that carry it.
type Status struct {
	ResourceID string `json:"resource_id" yaml:"resource_id"`
	Kind       Kind   `json:"kind" yaml:"kind"`
	Service    string `json:"service" yaml:"service"`
	Region     string `json:"region" yaml:"region"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	ARN        string `json:"arn,omitempty" yaml:"arn,omitempty"`
	State      string `json:"state,omitempty" yaml:"state,omitempty"`

	BackupEnabled     *bool  `json:"backup_enabled,omitempty" yaml:"backup_enabled,omitempty"`
	BackupBasis       string `json:"backup_basis,omitempty" yaml:"backup_basis,omitempty"`
	RetentionDays     *int32 `json:"backup_retention_days,omitempty" yaml:"backup_retention_days,omitempty"`
	LatestRestorable  string `json:"latest_restorable_time,omitempty" yaml:"latest_restorable_time,omitempty"`
	ManualSnapshots   *int   `json:"manual_snapshots_in_region,omitempty" yaml:"manual_snapshots_in_region,omitempty"`
	SnapshotsFailed   *bool  `json:"manual_snapshots_lookup_failed,omitempty" yaml:"manual_snapshots_lookup_failed,omitempty"`
	VersioningEnabled *bool  `json:"versioning_enabled,omitempty" yaml:"versioning_enabled,omitempty"`
	AdminAccess       *bool  `json:"admin_access,omitempty" yaml:"admin_access,omitempty"`

	AttachedPolicies   []string `json:"attached_policies,omitempty" yaml:"attached_policies,omitempty"`
	InlinePolicies     []string `json:"inline_policies,omitempty" yaml:"inline_policies,omitempty"`
	TrustedPrincipals  []string `json:"trusted_entities,omitempty" yaml:"trusted_entities,omitempty"`
	MaxSessionDuration int32    `json:"max_session_duration,omitempty" yaml:"max_session_duration,omitempty"`
	CreatedAt          string   `json:"create_date,omitempty" yaml:"create_date,omitempty"`
}

// Key returns the inventory key for a status entry.
func (s Status) Key() string {
	return s.Service + "|" + s.Region + "|" + s.ResourceID
}
