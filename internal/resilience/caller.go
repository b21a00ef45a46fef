package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/strata-labs/researchd/internal/metrics"
)

// Policy configures retry behavior for external calls.
type Policy struct {
	// MaxAttempts is the total attempt budget per call.
	MaxAttempts int
	// BaseDelay is the backoff unit: attempt i waits BaseDelay × 2^(i-1).
	BaseDelay time.Duration
	// MaxDelay caps a single backoff wait.
	MaxDelay time.Duration
	// Jitter, in [0,1], randomizes each wait by up to that fraction.
	Jitter float64
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration
}

// DefaultPolicy mirrors the configured resilience defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
		CallTimeout: 30 * time.Second,
	}
}

// Caller wraps external calls with per-attempt timeout, classified retry with
// exponential backoff, and an optional outbound rate limit. Safe for
// concurrent use by many tasks.
type Caller struct {
	policy  Policy
	limiter *rate.Limiter
	logger  *zap.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCaller builds a Caller. limiter may be nil to disable rate limiting.
func NewCaller(policy Policy, limiter *rate.Limiter, logger *zap.Logger) *Caller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Caller{
		policy:  policy,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the wait before retrying after attempt number attempt (1-based).
func (c *Caller) backoff(attempt int) time.Duration {
	d := c.policy.BaseDelay << (attempt - 1)
	if c.policy.MaxDelay > 0 && d > c.policy.MaxDelay {
		d = c.policy.MaxDelay
	}
	if c.policy.Jitter > 0 {
		d += time.Duration(rand.Float64() * c.policy.Jitter * float64(d))
	}
	return d
}

// Do runs fn with the retry policy and returns the number of attempts made.
// Permanent failures and context cancellation return immediately; spending
// the whole budget on Transient failures returns *ExhaustedError.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		}

		start := time.Now()
		err := c.runAttempt(ctx, fn)
		metrics.ProviderCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ProviderCalls.WithLabelValues(op, "success").Inc()
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			metrics.ProviderCalls.WithLabelValues(op, "cancelled").Inc()
			return attempt, ctx.Err()
		}
		if ClassOf(err) == Permanent {
			metrics.ProviderCalls.WithLabelValues(op, "permanent").Inc()
			return attempt, err
		}

		if attempt == c.policy.MaxAttempts {
			break
		}
		wait := c.backoff(attempt)
		c.logger.Debug("transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		metrics.ProviderRetries.WithLabelValues(op).Inc()
		if err := c.sleep(ctx, wait); err != nil {
			return attempt, err
		}
	}

	metrics.ProviderCalls.WithLabelValues(op, "exhausted").Inc()
	return c.policy.MaxAttempts, &ExhaustedError{
		Op:       op,
		Attempts: c.policy.MaxAttempts,
		Last:     lastErr,
	}
}

func (c *Caller) runAttempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.CallTimeout)
		defer cancel()
	}
	return fn(ctx)
}
