package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/yairfalse/varmuus/internal/scanerr"
)

// ErrInterrupted is wrapped by Call when the run stopped before the call
// could be made. Sources must return it instead of recording a degraded
// result for the resource.
var ErrInterrupted = errors.New("run interrupted")

// Gate throttles and bounds the API calls a source makes while building a
// page, after the page's first request.
//
// Waiting for the limiter follows the run context. Each call runs on its
// own timeout, detached from the page deadline, so a page with many
// per-resource lookups is bounded per call and not as a whole.
type Gate struct {
	run     context.Context
	limiter *rate.Limiter
	timeout time.Duration
}

// NewGate creates a gate. run is the context whose cancellation stops
// waiting; a nil limiter only applies the timeout.
func NewGate(run context.Context, limiter *rate.Limiter, timeout time.Duration) *Gate {
	return &Gate{run: run, limiter: limiter, timeout: timeout}
}

type gateKey struct{}

// WithGate returns a context carrying g.
func WithGate(ctx context.Context, g *Gate) context.Context {
	return context.WithValue(ctx, gateKey{}, g)
}

// Call runs fn through the gate carried by ctx. Without a gate fn runs
// directly on ctx.
func Call(ctx context.Context, op string, fn func(context.Context) error) error {
	g, _ := ctx.Value(gateKey{}).(*Gate)
	if g == nil {
		return fn(ctx)
	}

	if err := g.run.Err(); err != nil {
		return scanerr.New(scanerr.Cancelled, op, fmt.Errorf("%w: %w", ErrInterrupted, err))
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(g.run); err != nil {
			return scanerr.New(scanerr.Cancelled, op, fmt.Errorf("%w: %w", ErrInterrupted, err))
		}
	}

	callCtx := context.WithoutCancel(ctx)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, g.timeout)
		defer cancel()
	}
	return fn(callCtx)
}

// Interrupted reports whether err came from a gate whose run stopped.
func Interrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
