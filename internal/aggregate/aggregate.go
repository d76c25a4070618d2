// Package aggregate folds per-unit scan results into a report.
package aggregate

import (
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/yairfalse/varmuus/internal/scanerr"
	"github.com/yairfalse/varmuus/pkg/report"
	"github.com/yairfalse/varmuus/pkg/resource"
)

// UnitKey identifies a scan unit.
type UnitKey struct {
	Region  string
	Service string
}

func (k UnitKey) String() string {
	return k.Service + "/" + k.Region
}

func (k UnitKey) less(o UnitKey) bool {
	if k.Service != o.Service {
		return k.Service < o.Service
	}
	return k.Region < o.Region
}

// UnitResult is the complete, evaluated output of one succeeded unit.
type UnitResult struct {
	Unit     UnitKey
	Facts    resource.UnitFacts
	Statuses []resource.Status
	Findings []resource.Finding
}

// UnitFailure describes a unit that did not succeed.
type UnitFailure struct {
	Unit   UnitKey
	Kind   scanerr.Kind
	Reason string
}

// Meta is run metadata copied into the report.
type Meta struct {
	RunID     string
	AccountID string
	Services  []string
	Regions   []string
}

// Aggregator owns all state shared between concurrently running units.
// Every method is safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	// terminal holds every unit that was ingested or failed.
	terminal  map[UnitKey]bool
	inventory *btree.BTreeG[resource.Status]
	findings  map[UnitKey][]resource.Finding
	failures  map[UnitKey]UnitFailure
	regions   map[string]report.Counters

	snapshots      []resource.DBSnapshot
	accountSummary map[string]int
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		terminal:  make(map[UnitKey]bool),
		inventory: btree.NewG(32, statusLess),
		findings:  make(map[UnitKey][]resource.Finding),
		failures:  make(map[UnitKey]UnitFailure),
		regions:   make(map[string]report.Counters),
	}
}

func statusLess(a, b resource.Status) bool {
	if a.Service != b.Service {
		return a.Service < b.Service
	}
	if a.Region != b.Region {
		return a.Region < b.Region
	}
	return a.ResourceID < b.ResourceID
}

// Ingest applies the result of a succeeded unit. It returns false when the
// unit already reached a terminal state, in which case nothing changes.
func (a *Aggregator) Ingest(res UnitResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminal[res.Unit] {
		return false
	}
	a.terminal[res.Unit] = true

	byResource := make(map[string][]resource.Finding)
	for _, f := range res.Findings {
		key := f.Service + "|" + f.Region + "|" + f.ResourceID
		byResource[key] = append(byResource[key], f)
	}

	var kept []resource.Finding
	for _, st := range res.Statuses {
		// A resource already in the inventory is not counted twice.
		if a.inventory.Has(st) {
			continue
		}
		a.inventory.ReplaceOrInsert(st)
		fs := byResource[st.Key()]
		a.count(st, fs)
		kept = append(kept, fs...)
	}
	if len(kept) > 0 {
		a.findings[res.Unit] = kept
	}

	a.snapshots = append(a.snapshots, res.Facts.ManualSnapshots...)
	if res.Facts.AccountSummary != nil {
		a.accountSummary = res.Facts.AccountSummary
	}
	return true
}

// Fail records a unit failure. Like Ingest it is a no-op for units that
// already reached a terminal state.
func (a *Aggregator) Fail(f UnitFailure) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminal[f.Unit] {
		return false
	}
	a.terminal[f.Unit] = true
	a.failures[f.Unit] = f
	return true
}

// Finalize builds the report. It must be called once every unit is terminal.
func (a *Aggregator) Finalize(now time.Time, meta Meta) *report.Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := &report.Report{
		GeneratedAt:      now.UTC(),
		RunID:            meta.RunID,
		AccountID:        meta.AccountID,
		Services:         sortedCopy(meta.Services),
		RegionsScanned:   sortedCopy(meta.Regions),
		Summary:          make(report.Counters),
		RegionSummary:    make(map[string]report.Counters, len(a.regions)),
		BackupMonitoring: make([]resource.Status, 0, a.inventory.Len()),
		Findings:         make([]resource.Finding, 0),
		ManualBackups:    make([]resource.DBSnapshot, len(a.snapshots)),
		AccountSummary:   a.accountSummary,
		FailedUnits:      make([]report.UnitFailure, 0, len(a.failures)),
		Status:           report.StatusSuccess,
	}

	copy(r.ManualBackups, a.snapshots)
	sort.Slice(r.ManualBackups, func(i, j int) bool {
		x, y := r.ManualBackups[i], r.ManualBackups[j]
		if x.Region != y.Region {
			return x.Region < y.Region
		}
		return x.SnapshotID < y.SnapshotID
	})

	for _, name := range sharedCounters {
		r.Summary[name] = 0
	}
	for region, counters := range a.regions {
		c := make(report.Counters, len(counters))
		for name, v := range counters {
			c[name] = v
			r.Summary[name] += v
		}
		r.RegionSummary[region] = c
	}
	r.Summary[report.TotalRegions] = len(r.RegionsScanned)
	r.Summary[report.TotalInstances] = r.Summary[report.InstanceCount]
	r.Summary[report.TotalBuckets] = r.Summary[report.BucketCount]
	r.Summary[report.TotalDatabases] = r.Summary[report.DBInstanceCount]

	a.inventory.Ascend(func(st resource.Status) bool {
		r.BackupMonitoring = append(r.BackupMonitoring, st)
		return true
	})

	for _, unit := range sortedUnits(a.findings) {
		r.Findings = append(r.Findings, a.findings[unit]...)
	}

	for _, unit := range sortedUnits(a.failures) {
		f := a.failures[unit]
		r.FailedUnits = append(r.FailedUnits, report.UnitFailure{
			Region:   unit.Region,
			Service:  unit.Service,
			Category: string(f.Kind),
			Reason:   f.Reason,
			Benign:   f.Kind.Benign(),
		})
	}
	if r.Partial() {
		r.Status = report.StatusPartial
	}
	return r
}

func sortedUnits[V any](m map[UnitKey]V) []UnitKey {
	keys := make([]UnitKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
