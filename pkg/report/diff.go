package report

import (
	"sort"

	"github.com/yairfalse/varmuus/pkg/resource"
)

// FindingsDiff lists the findings that appeared or disappeared between two runs.
type FindingsDiff struct {
	New      []resource.Finding `json:"new"`
	Resolved []resource.Finding `json:"resolved"`
}

// Empty reports whether nothing changed.
func (d FindingsDiff) Empty() bool {
	return len(d.New) == 0 && len(d.Resolved) == 0
}

// FindingKey returns a unique key for identifying a finding across runs.
func FindingKey(f resource.Finding) string {
	return f.Service + "|" + f.Region + "|" + f.ResourceID + "|" + f.Rule + "|" + f.Risk
}

// DiffFindings compares the findings of previous and current.
// A nil previous report yields every current finding as new.
func DiffFindings(previous, current *Report) FindingsDiff {
	prev := indexFindings(previous)
	curr := indexFindings(current)

	var d FindingsDiff
	for key, f := range curr {
		if _, ok := prev[key]; !ok {
			d.New = append(d.New, f)
		}
	}
	for key, f := range prev {
		if _, ok := curr[key]; !ok {
			d.Resolved = append(d.Resolved, f)
		}
	}

	sortFindings(d.New)
	sortFindings(d.Resolved)
	return d
}

func indexFindings(r *Report) map[string]resource.Finding {
	m := make(map[string]resource.Finding)
	if r == nil {
		return m
	}
	for _, f := range r.Findings {
		m[FindingKey(f)] = f
	}
	return m
}

func sortFindings(fs []resource.Finding) {
	sort.Slice(fs, func(i, j int) bool {
		return FindingKey(fs[i]) < FindingKey(fs[j])
	})
}
