package emitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/varmuus/internal/store"
	"github.com/yairfalse/varmuus/pkg/report"
)

// HistoryEmitter saves reports into the history store and logs the findings
// that changed since the previous stored run.
type HistoryEmitter struct {
	store *store.Store
}

// NewHistoryEmitter opens the history store at path.
func NewHistoryEmitter(path string) (*HistoryEmitter, error) {
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return &HistoryEmitter{store: s}, nil
}

// Emit saves r after diffing it against the latest stored report.
func (e *HistoryEmitter) Emit(_ context.Context, r *report.Report) error {
	prev, err := e.store.Latest()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load previous report: %w", err)
	}

	if prev != nil {
		logDiff(prev, r)
	}

	if err := e.store.Save(r); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func logDiff(prev, curr *report.Report) {
	d := report.DiffFindings(prev, curr)
	if d.Empty() {
		log.Info().Str("previous_run", prev.RunID).Msg("findings unchanged since previous run")
		return
	}

	for _, f := range d.New {
		log.Info().
			Str("resource_id", f.ResourceID).
			Str("service", f.Service).
			Str("region", f.Region).
			Str("rule", f.Rule).
			Str("severity", string(f.Severity)).
			Msg("new finding")
	}
	for _, f := range d.Resolved {
		log.Info().
			Str("resource_id", f.ResourceID).
			Str("service", f.Service).
			Str("region", f.Region).
			Str("rule", f.Rule).
			Msg("finding resolved")
	}
	log.Info().
		Str("previous_run", prev.RunID).
		Int("new", len(d.New)).
		Int("resolved", len(d.Resolved)).
		Msg("findings changed since previous run")
}

// Close closes the history store.
func (e *HistoryEmitter) Close() error {
	return e.store.Close()
}
