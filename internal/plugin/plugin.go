// Package plugin defines the resource source contract used by the scanner.
package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/yairfalse/varmuus/pkg/resource"
)

// Scope says whether a service is scanned once per region or once per run.
type Scope int

const (
	Regional Scope = iota
	Global
)

func (s Scope) String() string {
	if s == Global {
		return "global"
	}
	return "regional"
}

// Page is one page of records plus the token of the next page.
// An empty NextToken means the listing is exhausted.
type Page struct {
	Records   []resource.Record
	NextToken string
}

// Source lists the resources of one service.
// Keep it small: a Source only knows how to fetch one page.
type Source interface {
	// Service returns the service identifier (e.g., "ec2", "s3").
	Service() string

	// Scope reports whether the service is regional or global.
	Scope() Scope

	// Page fetches the page identified by token. An empty token always
	// starts from the beginning, so a failed listing can be restarted.
	// Global sources receive resource.GlobalRegion.
	Page(ctx context.Context, region, token string) (Page, error)
}

// Preparer is implemented by sources that need per-unit facts before their
// records can be evaluated.
type Preparer interface {
	Prepare(ctx context.Context, region string) (resource.UnitFacts, error)
}

// Registry holds registered sources.
var (
	registry = make(map[string]Source)
	mu       sync.RWMutex
)

// Register adds a source to the registry.
func Register(s Source) {
	mu.Lock()
	defer mu.Unlock()
	registry[s.Service()] = s
}

// Get returns a source by service name.
func Get(service string) (Source, bool) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := registry[service]
	return s, ok
}

// All returns all registered sources, sorted by service name.
func All() []Source {
	mu.RLock()
	defer mu.RUnlock()
	sources := make([]Source, 0, len(registry))
	for _, s := range registry {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Service() < sources[j].Service() })
	return sources
}

// Names returns all registered service names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all sources from the registry. Used for testing.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]Source)
}
