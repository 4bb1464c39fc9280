package mirror

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// Classification markers for transfer failures.  Transient failures are
// retried with backoff; permanent failures propagate immediately.
var (
	markTransient = errors.New("transient failure")
	markPermanent = errors.New("permanent failure")
)

// Transient marks err as retryable.
func Transient(err error) error {
	return errors.Mark(err, markTransient)
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return errors.Mark(err, markPermanent)
}

// IsTransient reports whether err is a retryable failure.
func IsTransient(err error) bool {
	return errors.Is(err, markTransient)
}

// retryJitterMax bounds the random component added to each backoff delay.
const retryJitterMax = 2 * time.Second

// Retrier wraps transfer attempts with exponential backoff.
//
// It holds no transfer-specific knowledge: any operation that reports
// transient-vs-permanent classification through the Transient/Permanent
// markers can be wrapped.  The sleep and jitter functions are injectable
// so tests run without real time.
type Retrier struct {
	policy RetryConfig

	sleep  func(context.Context, time.Duration) error
	jitter func(time.Duration) time.Duration
}

// NewRetrier creates a Retrier for the given policy.
func NewRetrier(policy RetryConfig) *Retrier {
	return &Retrier{
		policy: policy,
		sleep:  sleepCtx,
		jitter: randomJitter,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// backoff returns the delay before the given retry, counting attempts
// from 1.  The exponential term is capped at max_delay before jitter.
func (r *Retrier) backoff(attempt int) time.Duration {
	delay := r.policy.BaseDelay.Duration << (attempt - 1)
	if maxDelay := r.policy.MaxDelay.Duration; maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay + r.jitter(retryJitterMax)
}

// Do runs op as one unit of work, retrying transient failures up to the
// policy's max_attempts.  It returns the number of attempts made and the
// final outcome; exhausting max_attempts converts the last transient
// error into a terminal failure.
//
// Before the first attempt the Retrier sleeps a random fraction of
// connection_delay.  This stagger applies per unit of work, not per retry:
// it spreads simultaneous connection establishment across units when many
// are started in rapid succession against a server that caps concurrent
// connections per client.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) (int, error) {
	if err := r.sleep(ctx, r.jitter(r.policy.ConnectionDelay.Duration)); err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if !IsTransient(err) {
			return attempt, err
		}
		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		slog.Info("retrying after transient failure",
			"attempt", attempt, "max_attempts", r.policy.MaxAttempts,
			"delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}

	return r.policy.MaxAttempts, errors.Wrapf(lastErr, "%d attempts exhausted", r.policy.MaxAttempts)
}
