// Package filter selects which services and regions a scan covers.
package filter

// Filter controls which services and regions to scan.
// An empty include list means everything is included.
type Filter struct {
	services       map[string]bool
	regions        map[string]bool
	excludeRegions map[string]bool
}

// New creates a new Filter from the provided configuration.
func New(services, regions, excludeRegions []string) *Filter {
	return &Filter{
		services:       toSet(services),
		regions:        toSet(regions),
		excludeRegions: toSet(excludeRegions),
	}
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		if v != "" {
			m[v] = true
		}
	}
	return m
}

// ShouldScanService returns true if the given service should be scanned.
func (f *Filter) ShouldScanService(service string) bool {
	return len(f.services) == 0 || f.services[service]
}

// ShouldScanRegion returns true if the given region passes the include and
// exclude lists. Exclusion wins.
func (f *Filter) ShouldScanRegion(region string) bool {
	if f.excludeRegions[region] {
		return false
	}
	return len(f.regions) == 0 || f.regions[region]
}

// FilterRegions returns only regions that pass the filter, keeping order.
func (f *Filter) FilterRegions(regions []string) []string {
	if f.IsEmpty() {
		return regions
	}

	filtered := make([]string, 0, len(regions))
	for _, r := range regions {
		if f.ShouldScanRegion(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.services) == 0 && len(f.regions) == 0 && len(f.excludeRegions) == 0
}
