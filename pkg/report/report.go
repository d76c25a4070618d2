// Package report defines the terminal snapshot produced by a scan.
// A Report is plain data: it is built once by the aggregator and then only
// read by writers.
package report

import (
	"time"

	"github.com/yairfalse/varmuus/pkg/resource"
)

// Counter names shared by the global summary and every region summary.
const (
	InstanceCount          = "instance_count"
	Running                = "running"
	Stopped                = "stopped"
	InstancesWithBackup    = "instances_with_backup"
	InstancesWithoutBackup = "instances_without_backup"
	DBInstanceCount        = "db_instance_count"
	DatabasesWithBackup    = "databases_with_backup"
	DatabasesWithoutBackup = "databases_without_backup"
	BucketCount            = "bucket_count"
	VersioningEnabled      = "versioning_enabled"
	VersioningDisabled     = "versioning_disabled"
	SecurityGroupRuleCount = "security_group_rule_count"
	OpenToWorld            = "open_to_world"
	IAMUserCount           = "iam_user_count"
	AdminUsers             = "admin_users"
	IAMRoleCount           = "iam_role_count"
	FindingCount           = "findings"
)

// Counters only present in the global summary.
const (
	TotalRegions   = "total_regions"
	TotalInstances = "total_instances"
	TotalBuckets   = "total_buckets"
	TotalDatabases = "total_databases"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
)

// Counters is a set of named counters.
type Counters map[string]int

// UnitFailure records a (region, service) pair that could not be scanned.
type UnitFailure struct {
	Region   string `json:"region" yaml:"region"`
	Service  string `json:"service" yaml:"service"`
	Category string `json:"category" yaml:"category"`
	Reason   string `json:"reason" yaml:"reason"`
	Benign   bool   `json:"benign" yaml:"benign"`
}

// Report is the finalized result of one scan run.
type Report struct {
	GeneratedAt      time.Time             `json:"generated_at" yaml:"generated_at"`
	RunID            string                `json:"run_id" yaml:"run_id"`
	AccountID        string                `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	Services         []string              `json:"services" yaml:"services"`
	RegionsScanned   []string              `json:"regions_scanned" yaml:"regions_scanned"`
	Summary          Counters              `json:"summary" yaml:"summary"`
	RegionSummary    map[string]Counters   `json:"region_summary" yaml:"region_summary"`
	BackupMonitoring []resource.Status     `json:"backup_monitoring" yaml:"backup_monitoring"`
	Findings         []resource.Finding    `json:"findings" yaml:"findings"`
	ManualBackups    []resource.DBSnapshot `json:"manual_backups" yaml:"manual_backups"`
	AccountSummary   map[string]int        `json:"account_summary,omitempty" yaml:"account_summary,omitempty"`
	FailedUnits      []UnitFailure         `json:"failed_units" yaml:"failed_units"`
	Status           Status                `json:"status" yaml:"status"`
}

// Partial reports whether any unit failed for a non-benign reason.
func (r *Report) Partial() bool {
	for _, f := range r.FailedUnits {
		if !f.Benign {
			return true
		}
	}
	return false
}

// FindingsBySeverity counts findings per severity.
func (r *Report) FindingsBySeverity() map[resource.Severity]int {
	out := make(map[resource.Severity]int)
	for _, f := range r.Findings {
		out[f.Severity]++
	}
	return out
}
