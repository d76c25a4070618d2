package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/varmuus/internal/rules"
	"github.com/yairfalse/varmuus/internal/scanerr"
	"github.com/yairfalse/varmuus/pkg/report"
	"github.com/yairfalse/varmuus/pkg/resource"
)

var testNow = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

func evaluate(unit UnitKey, facts resource.UnitFacts, recs ...resource.Record) UnitResult {
	reg := rules.Default()
	res := UnitResult{Unit: unit, Facts: facts}
	for _, rec := range recs {
		st, fs := reg.Evaluate(rules.Input{Record: rec, Facts: facts})
		res.Statuses = append(res.Statuses, st)
		res.Findings = append(res.Findings, fs...)
	}
	return res
}

func instance(region, id, state string) resource.Record {
	return resource.Record{Kind: resource.KindInstance, ID: id, Region: region, Service: "ec2",
		Instance: &resource.InstanceAttrs{State: state}}
}

func bucket(region, name, status string) resource.Record {
	return resource.Record{Kind: resource.KindBucket, ID: name, Region: region, Service: "s3",
		Bucket: &resource.BucketAttrs{VersioningStatus: status}}
}

func sgRule(region, id, cidr string, port int32) resource.Record {
	return resource.Record{Kind: resource.KindSecurityGroupRule, ID: id, Region: region, Service: "security_groups",
		SecurityGroupRule: &resource.SecurityGroupRuleAttrs{GroupID: "sg-1", Protocol: "tcp", FromPort: aws.Int32(port), ToPort: aws.Int32(port), CIDR: cidr}}
}

func user(name string, policies ...string) resource.Record {
	return resource.Record{Kind: resource.KindIAMUser, ID: name, Region: resource.GlobalRegion, Service: "iam",
		IAMUser: &resource.IAMUserAttrs{AttachedPolicies: policies}}
}

func sampleResults() []UnitResult {
	return []UnitResult{
		evaluate(UnitKey{"us-east-1", "ec2"}, resource.UnitFacts{SnapshotsPresent: true},
			instance("us-east-1", "i-1", "running"), instance("us-east-1", "i-2", "stopped")),
		evaluate(UnitKey{"eu-west-1", "ec2"}, resource.UnitFacts{},
			instance("eu-west-1", "i-3", "running")),
		evaluate(UnitKey{"us-east-1", "security_groups"}, resource.UnitFacts{},
			sgRule("us-east-1", "r-80", "0.0.0.0/0", 80), sgRule("us-east-1", "r-22", "0.0.0.0/0", 22)),
		evaluate(UnitKey{resource.GlobalRegion, "s3"}, resource.UnitFacts{},
			bucket("us-east-1", "a", "Enabled"), bucket("eu-west-1", "b", "Suspended"), bucket(resource.UnknownRegion, "c", "")),
		evaluate(UnitKey{resource.GlobalRegion, "iam"}, resource.UnitFacts{},
			user("alice", "AdministratorAccess"), user("bob")),
	}
}

var testMeta = Meta{RunID: "run-1", Services: []string{"ec2", "s3", "security_groups", "iam"}, Regions: []string{"us-east-1", "eu-west-1"}}

func TestIngest_Idempotent(t *testing.T) {
	once := New()
	twice := New()

	for _, res := range sampleResults() {
		assert.True(t, once.Ingest(res))
		assert.True(t, twice.Ingest(res))
		assert.False(t, twice.Ingest(res))
	}

	assert.Equal(t, once.Finalize(testNow, testMeta), twice.Finalize(testNow, testMeta))
}

func TestIngest_Commutative(t *testing.T) {
	results := sampleResults()

	a := New()
	for _, res := range results {
		a.Ingest(res)
	}
	want := a.Finalize(testNow, testMeta)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := append([]UnitResult(nil), results...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		b := New()
		for _, res := range shuffled {
			b.Ingest(res)
		}
		assert.Equal(t, want, b.Finalize(testNow, testMeta))
	}
}

func TestFinalize_CounterConsistency(t *testing.T) {
	a := New()
	for _, res := range sampleResults() {
		a.Ingest(res)
	}
	r := a.Finalize(testNow, testMeta)

	for name, total := range r.Summary {
		sum := 0
		present := false
		for _, c := range r.RegionSummary {
			if v, ok := c[name]; ok {
				sum += v
				present = true
			}
		}
		if present {
			assert.Equal(t, total, sum, "counter %s", name)
		}
	}

	assert.Equal(t, 3, r.Summary[report.InstanceCount])
	assert.Equal(t, 3, r.Summary[report.TotalInstances])
	assert.Equal(t, 2, r.Summary[report.InstancesWithBackup])
	assert.Equal(t, 1, r.Summary[report.InstancesWithoutBackup])
	assert.Equal(t, 3, r.Summary[report.BucketCount])
	assert.Equal(t, 1, r.Summary[report.VersioningEnabled])
	assert.Equal(t, 2, r.Summary[report.VersioningDisabled])
	assert.Equal(t, 1, r.Summary[report.OpenToWorld])
	assert.Equal(t, 1, r.Summary[report.AdminUsers])
	assert.Equal(t, 2, r.Summary[report.TotalRegions])
	assert.Equal(t, len(r.Findings), r.Summary[report.FindingCount])
	assert.Contains(t, r.RegionSummary, resource.UnknownRegion)
	assert.Contains(t, r.RegionSummary, resource.GlobalRegion)
}

func TestFinalize_EndToEndSingleRegion(t *testing.T) {
	a := New()
	a.Ingest(evaluate(UnitKey{"us-east-1", "ec2"}, resource.UnitFacts{SnapshotsPresent: true},
		instance("us-east-1", "i-1", "running"), instance("us-east-1", "i-2", "running")))

	r := a.Finalize(testNow, Meta{Services: []string{"ec2"}, Regions: []string{"us-east-1"}})

	assert.Equal(t, 2, r.RegionSummary["us-east-1"][report.InstanceCount])
	assert.Equal(t, 2, r.Summary[report.InstancesWithBackup])
	assert.Equal(t, 0, r.Summary[report.InstancesWithoutBackup])
	require.Len(t, r.BackupMonitoring, 2)
	for _, st := range r.BackupMonitoring {
		require.NotNil(t, st.BackupEnabled)
		assert.True(t, *st.BackupEnabled)
		assert.Equal(t, rules.BasisRegionSnapshot, st.BackupBasis)
	}
	assert.Equal(t, report.StatusSuccess, r.Status)
}

func TestIngest_DuplicateResourceAcrossUnits(t *testing.T) {
	a := New()
	a.Ingest(evaluate(UnitKey{"us-east-1", "ec2"}, resource.UnitFacts{}, instance("us-east-1", "i-1", "running")))
	a.Ingest(evaluate(UnitKey{"us-east-1", "ec2-dup"}, resource.UnitFacts{}, instance("us-east-1", "i-1", "running")))

	r := a.Finalize(testNow, Meta{})
	assert.Len(t, r.BackupMonitoring, 1)
	assert.Equal(t, 1, r.Summary[report.InstanceCount])
	assert.Len(t, r.Findings, 1)
}

func TestFail(t *testing.T) {
	a := New()
	unit := UnitKey{"ap-east-1", "ec2"}

	assert.True(t, a.Fail(UnitFailure{Unit: unit, Kind: scanerr.NotEnabled, Reason: "opt-in required"}))
	assert.False(t, a.Fail(UnitFailure{Unit: unit, Kind: scanerr.Transient, Reason: "again"}), "first terminal state wins")

	// a failed unit cannot be ingested afterwards
	assert.False(t, a.Ingest(evaluate(unit, resource.UnitFacts{}, instance("ap-east-1", "i-9", "running"))))

	r := a.Finalize(testNow, Meta{})
	require.Len(t, r.FailedUnits, 1)
	assert.Equal(t, "not_enabled", r.FailedUnits[0].Category)
	assert.True(t, r.FailedUnits[0].Benign)
	assert.Equal(t, report.StatusSuccess, r.Status)
	assert.Empty(t, r.BackupMonitoring)
}

func TestFinalize_ManualBackupsAndAccountSummary(t *testing.T) {
	db := resource.Record{Kind: resource.KindDatabase, ID: "orders", Region: "us-east-1", Service: "rds",
		Database: &resource.DatabaseAttrs{Status: "available", BackupRetentionDays: 7}}

	a := New()
	a.Ingest(evaluate(UnitKey{"us-east-1", "rds"}, resource.UnitFacts{ManualSnapshots: []resource.DBSnapshot{
		{SnapshotID: "orders-b", DBInstance: "orders", Region: "us-east-1"},
		{SnapshotID: "orders-a", DBInstance: "orders", Region: "us-east-1"},
	}}, db))
	a.Ingest(evaluate(UnitKey{"eu-west-1", "rds"}, resource.UnitFacts{ManualSnapshots: []resource.DBSnapshot{
		{SnapshotID: "legacy", DBInstance: "gone", Region: "eu-west-1"},
	}}))
	a.Ingest(evaluate(UnitKey{resource.GlobalRegion, "iam"}, resource.UnitFacts{AccountSummary: map[string]int{"Users": 1, "MFADevices": 0}},
		user("alice")))

	r := a.Finalize(testNow, Meta{})

	require.Len(t, r.ManualBackups, 3)
	assert.Equal(t, "legacy", r.ManualBackups[0].SnapshotID)
	assert.Equal(t, "orders-a", r.ManualBackups[1].SnapshotID)
	assert.Equal(t, "orders-b", r.ManualBackups[2].SnapshotID)
	assert.Equal(t, map[string]int{"Users": 1, "MFADevices": 0}, r.AccountSummary)
}

func TestFail_NonBenignMakesRunPartial(t *testing.T) {
	a := New()
	a.Fail(UnitFailure{Unit: UnitKey{"us-east-1", "rds"}, Kind: scanerr.Transient, Reason: "throttled"})

	r := a.Finalize(testNow, Meta{})
	assert.Equal(t, report.StatusPartial, r.Status)
}

func TestFinalize_Ordering(t *testing.T) {
	a := New()
	for _, res := range sampleResults() {
		a.Ingest(res)
	}
	r := a.Finalize(testNow, testMeta)

	for i := 1; i < len(r.BackupMonitoring); i++ {
		assert.True(t, statusLess(r.BackupMonitoring[i-1], r.BackupMonitoring[i]))
	}

	// findings are grouped by unit in unit-key order: ec2 < iam < s3 < security_groups
	var services []string
	for _, f := range r.Findings {
		if len(services) == 0 || services[len(services)-1] != f.Service {
			services = append(services, f.Service)
		}
	}
	assert.Equal(t, []string{"ec2", "iam", "s3", "security_groups"}, services)
	assert.Equal(t, "2026-10-01T08:00:00Z", r.GeneratedAt.Format(time.RFC3339))
	assert.Equal(t, []string{"ec2", "iam", "s3", "security_groups"}, r.Services)
}
