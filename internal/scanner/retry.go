package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/internal/scanerr"
)

// retry runs one API call with rate limiting and exponential backoff.
//
// The call itself runs on a context detached from run cancellation and
// bounded by the page timeout, so a cancelled run lets the in-flight call
// finish. Waiting for the limiter or for the next attempt stops as soon as
// the run is cancelled. The call context carries a plugin.Gate sharing the
// same limiter, so every further request a source makes for the page is
// throttled too and gets its own page timeout.
func retry[T any](ctx context.Context, c *Coordinator, op string, call func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	attempt := 0
	operation := func() (T, error) {
		attempt++
		var zero T

		if err := c.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(scanerr.New(scanerr.Cancelled, op, err))
		}

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PageTimeout)
		defer cancel()
		callCtx = plugin.WithGate(callCtx, plugin.NewGate(ctx, c.limiter, c.cfg.PageTimeout))

		out, err := call(callCtx)
		if err == nil {
			return out, nil
		}
		err = scanerr.Wrap(op, err)
		if !scanerr.IsRetryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", next).Msg("retrying")
		}),
	)
	if err == nil {
		return out, nil
	}

	// Retry returns the context error when the run is cancelled while waiting.
	if ctx.Err() != nil && !errors.As(err, new(*scanerr.Error)) {
		return out, scanerr.New(scanerr.Cancelled, op, err)
	}
	return out, err
}
