package scanner

import (
	"context"

	"github.com/yairfalse/varmuus/internal/scanerr"
)

// Recorder observes unit execution. StartUnit returns the context the unit
// runs with and a function called once when the unit is terminal; failure
// is empty for a succeeded unit.
type Recorder interface {
	StartUnit(ctx context.Context, service, region string) (context.Context, func(resources int, failure scanerr.Kind))
}

type nopRecorder struct{}

func (nopRecorder) StartUnit(ctx context.Context, _, _ string) (context.Context, func(int, scanerr.Kind)) {
	return ctx, func(int, scanerr.Kind) {}
}
