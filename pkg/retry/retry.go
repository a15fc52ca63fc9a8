package retry

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"

	"feedsync/pkg/logger"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

// BackoffFunc returns the wait before the next attempt, given the base
// delay and the number of attempts made so far.
type BackoffFunc func(base time.Duration, attempt int) time.Duration

// Linear waits base, 2*base, 3*base, ...
func Linear(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// Constant always waits base.
func Constant(base time.Duration, _ int) time.Duration {
	return base
}

// Policy retries transient failures. Non-transient errors (validation,
// permission, not found) are returned after the first attempt.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Backoff  BackoffFunc
	// Clock drives the waits between attempts. Defaults to the wall clock.
	Clock jujuretry.Clock
}

// Default is three attempts with linear one second backoff.
func Default() Policy {
	return Policy{Attempts: DefaultAttempts, Delay: DefaultDelay, Backoff: Linear}
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultDelay
	}
	if p.Backoff == nil {
		p.Backoff = Linear
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	return p
}

// Do calls fn until it succeeds, fails with a non-transient error, the
// attempts run out, or ctx is done. On exhaustion the last error is
// returned, wrapped.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error { return fn(ctx) },
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !syncerr.IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if !syncerr.IsTransient(err) {
				return
			}
			telemetry.CountRetry(op)
			logger.Warn("retry_attempt_failed", "op", op, "attempt", attempt, "of", p.Attempts, "error", err)
		},
		Attempts: p.Attempts,
		Delay:    p.Delay,
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return p.Backoff(p.Delay, attempt)
		},
		Clock: p.Clock,
		Stop:  ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case jujuretry.IsAttemptsExceeded(err):
		last := jujuretry.LastError(err)
		logger.Error("retry_exhausted", "op", op, "attempts", p.Attempts, "error", last)
		return errors.Wrapf(last, "%s: gave up after %d attempts", op, p.Attempts)
	case jujuretry.IsRetryStopped(err):
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return jujuretry.LastError(err)
	default:
		return err
	}
}
