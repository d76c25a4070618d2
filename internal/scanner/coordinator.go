// Package scanner fans a scan out over (region, service) units.
//
// Each unit lists its resources page by page, evaluates every page against
// the rule set, and hands its complete result to the aggregator. A failing
// unit never affects its siblings: the failure is classified and recorded
// in the report instead.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yairfalse/varmuus/internal/aggregate"
	"github.com/yairfalse/varmuus/internal/filter"
	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/internal/rules"
	"github.com/yairfalse/varmuus/internal/scanerr"
	"github.com/yairfalse/varmuus/pkg/report"
	"github.com/yairfalse/varmuus/pkg/resource"
)

// Concurrency bounds.
const (
	DefaultConcurrency = 8
	MaxConcurrency     = 16
)

// Directory lists the regions enabled for the account.
type Directory interface {
	Regions(ctx context.Context) ([]string, error)
}

// Config holds coordinator configuration.
type Config struct {
	RunID     string
	AccountID string

	// Regions skips the directory call when set.
	Regions []string
	Filter  *filter.Filter

	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PageTimeout    time.Duration
	RateLimit      float64
	RateBurst      int
}

// Coordinator runs one scan.
type Coordinator struct {
	cfg       Config
	directory Directory
	sources   []plugin.Source
	rules     *rules.Registry
	recorder  Recorder
	limiter   *rate.Limiter
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRules replaces the default rule set.
func WithRules(r *rules.Registry) Option {
	return func(c *Coordinator) { c.rules = r }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithClock sets the clock used for the report timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator over the given sources.
func New(cfg Config, dir Directory, sources []plugin.Source, opts ...Option) *Coordinator {
	cfg = normalize(cfg)
	c := &Coordinator{
		cfg:       cfg,
		directory: dir,
		sources:   sources,
		rules:     rules.Default(),
		recorder:  nopRecorder{},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalize(cfg Config) Config {
	switch {
	case cfg.Concurrency <= 0:
		cfg.Concurrency = DefaultConcurrency
	case cfg.Concurrency > MaxConcurrency:
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Filter == nil {
		cfg.Filter = filter.New(nil, nil, nil)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	return cfg
}

// unit is one (region, service) pair and the source that lists it.
type unit struct {
	key    aggregate.UnitKey
	source plugin.Source
}

// Run scans every unit and returns the finalized report. Unit failures are
// recorded in the report; only a failure to resolve the regions is returned.
func (c *Coordinator) Run(ctx context.Context) (*report.Report, error) {
	sources := c.selectedSources()

	regions, err := c.resolveRegions(ctx, sources)
	if err != nil {
		return nil, err
	}

	units := buildUnits(sources, regions)
	log.Info().
		Str("run_id", c.cfg.RunID).
		Int("units", len(units)).
		Int("regions", len(regions)).
		Int("concurrency", c.cfg.Concurrency).
		Msg("starting scan")

	agg := aggregate.New()
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)
	for _, u := range units {
		g.Go(func() error {
			c.runUnit(ctx, agg, u)
			return nil
		})
	}
	_ = g.Wait()

	services := make([]string, 0, len(sources))
	for _, s := range sources {
		services = append(services, s.Service())
	}

	r := agg.Finalize(c.now(), aggregate.Meta{
		RunID:     c.cfg.RunID,
		AccountID: c.cfg.AccountID,
		Services:  services,
		Regions:   regions,
	})

	bySeverity := r.FindingsBySeverity()
	log.Info().
		Str("run_id", r.RunID).
		Str("status", string(r.Status)).
		Int("resources", len(r.BackupMonitoring)).
		Int("findings", len(r.Findings)).
		Int("high", bySeverity[resource.SeverityHigh]).
		Int("medium", bySeverity[resource.SeverityMedium]).
		Int("low", bySeverity[resource.SeverityLow]).
		Int("failed_units", len(r.FailedUnits)).
		Msg("scan complete")
	return r, nil
}

func (c *Coordinator) selectedSources() []plugin.Source {
	selected := make([]plugin.Source, 0, len(c.sources))
	for _, s := range c.sources {
		if c.cfg.Filter.ShouldScanService(s.Service()) {
			selected = append(selected, s)
		}
	}
	return selected
}

// resolveRegions returns the regions to scan. The directory is asked once,
// and only when a regional source is selected and no explicit list is set.
func (c *Coordinator) resolveRegions(ctx context.Context, sources []plugin.Source) ([]string, error) {
	needRegions := false
	for _, s := range sources {
		if s.Scope() == plugin.Regional {
			needRegions = true
			break
		}
	}
	if !needRegions {
		return nil, nil
	}

	regions := c.cfg.Regions
	if len(regions) == 0 {
		listed, err := retry(ctx, c, "list regions", func(ctx context.Context) ([]string, error) {
			return c.directory.Regions(ctx)
		})
		if err != nil {
			return nil, scanerr.New(scanerr.Fatal, "list regions", err)
		}
		regions = listed
	}

	regions = c.cfg.Filter.FilterRegions(regions)
	if len(regions) == 0 {
		log.Warn().Msg("no regions left to scan after filtering")
	}
	return regions, nil
}

func buildUnits(sources []plugin.Source, regions []string) []unit {
	var units []unit
	for _, s := range sources {
		if s.Scope() == plugin.Global {
			units = append(units, unit{key: aggregate.UnitKey{Region: resource.GlobalRegion, Service: s.Service()}, source: s})
			continue
		}
		for _, region := range regions {
			units = append(units, unit{key: aggregate.UnitKey{Region: region, Service: s.Service()}, source: s})
		}
	}
	return units
}

// runUnit drives one unit to a terminal state.
func (c *Coordinator) runUnit(ctx context.Context, agg *aggregate.Aggregator, u unit) {
	logger := log.With().Str("service", u.key.Service).Str("region", u.key.Region).Logger()
	spanCtx, finish := c.recorder.StartUnit(ctx, u.key.Service, u.key.Region)

	res, err := c.scanUnit(spanCtx, u)
	if err != nil {
		kind := scanerr.Classify(err)
		finish(0, kind)

		ev := logger.Warn()
		if kind.Benign() {
			ev = logger.Info()
		}
		ev.Err(err).Str("category", string(kind)).Msg("unit failed")

		agg.Fail(aggregate.UnitFailure{Unit: u.key, Kind: kind, Reason: err.Error()})
		return
	}

	finish(len(res.Statuses), "")
	agg.Ingest(res)
	logger.Debug().Int("resources", len(res.Statuses)).Int("findings", len(res.Findings)).Msg("unit complete")
}

// scanUnit prepares the unit facts and walks every page. Any partial
// result is discarded when an error is returned.
func (c *Coordinator) scanUnit(ctx context.Context, u unit) (aggregate.UnitResult, error) {
	res := aggregate.UnitResult{Unit: u.key}

	if err := ctx.Err(); err != nil {
		return res, scanerr.New(scanerr.Cancelled, "start unit", err)
	}
	log.Debug().Str("unit", u.key.String()).Msg("unit running")

	if p, ok := u.source.(plugin.Preparer); ok {
		facts, err := retry(ctx, c, "prepare", func(ctx context.Context) (resource.UnitFacts, error) {
			return p.Prepare(ctx, u.key.Region)
		})
		if err != nil {
			return res, err
		}
		res.Facts = facts
	}

	token := ""
	for {
		page, err := retry(ctx, c, "page", func(ctx context.Context) (plugin.Page, error) {
			return u.source.Page(ctx, u.key.Region, token)
		})
		if err != nil {
			return res, err
		}

		for _, rec := range page.Records {
			if !rec.Valid() {
				return res, scanerr.Malformedf("evaluate", "invalid %s record %q", rec.Kind, rec.ID)
			}
			st, findings := c.rules.Evaluate(rules.Input{Record: rec, Facts: res.Facts})
			res.Statuses = append(res.Statuses, st)
			res.Findings = append(res.Findings, findings...)
		}

		if page.NextToken == "" {
			return res, nil
		}
		if page.NextToken == token {
			return res, scanerr.Malformedf("page", "page token %q did not advance", token)
		}
		token = page.NextToken

		if err := ctx.Err(); err != nil {
			return res, scanerr.New(scanerr.Cancelled, "page", fmt.Errorf("run cancelled after %d resources: %w", len(res.Statuses), err))
		}
	}
}
