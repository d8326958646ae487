package adapters

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// RetryPolicy bounds adapter-level retries inside one path attempt. Every
// retry happens within the path deadline.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 2 disable retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry. Default 100ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay. Default 5s.
	MaxBackoff time.Duration
	// Jitter adds up to this fraction of the delay. Default 0.2.
	Jitter float64
	// RetryOn lists failure kinds retried even when not marked retryable.
	RetryOn []engine.FailureKind
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must not be negative")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("retry backoff must not be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("retry jitter must be within [0, 1]")
	}
	for _, k := range p.RetryOn {
		if k == engine.FailureCancelled {
			return fmt.Errorf("cancelled failures are never retried")
		}
		if err := k.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	}
	return p
}

// backoff returns the delay before retry number n (starting at 1):
// initial * 2^(n-1), capped, plus jitter.
func (p RetryPolicy) backoff(n int) time.Duration {
	delay := p.MaxBackoff
	if d := float64(p.InitialBackoff) * math.Pow(2, float64(n-1)); d < float64(p.MaxBackoff) {
		delay = time.Duration(d)
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

func (p RetryPolicy) retries(out engine.Outcome) bool {
	if out.Kind == engine.FailureCancelled {
		return false
	}
	return out.Retryable || slices.Contains(p.RetryOn, out.Kind)
}

type retryAdapter struct {
	next    engine.Adapter
	policy  RetryPolicy
	onRetry func()
}

// WithRetry wraps an adapter with a retry policy. onRetry, when set, is
// called before each retry.
func WithRetry(next engine.Adapter, policy RetryPolicy, onRetry func()) engine.Adapter {
	return &retryAdapter{next: next, policy: policy.withDefaults(), onRetry: onRetry}
}

func (r *retryAdapter) Invoke(ctx context.Context, action engine.Action) engine.Outcome {
	for attempt := 1; ; attempt++ {
		out := r.next.Invoke(ctx, action)
		if out.IsSuccess() || attempt >= r.policy.MaxAttempts || !r.policy.retries(out) {
			return out
		}

		delay := r.policy.backoff(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			return out
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out
		case <-timer.C:
		}

		if r.onRetry != nil {
			r.onRetry()
		}
	}
}

// Close releases the wrapped adapter's resources, if any.
func (r *retryAdapter) Close(ctx context.Context) error {
	if c, ok := r.next.(closer); ok {
		return c.Close(ctx)
	}
	return nil
}
