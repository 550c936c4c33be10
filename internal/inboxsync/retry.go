package inboxsync

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newRetryPolicy doubles from base up to maxDelay without jitter.
func newRetryPolicy(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	policy.Reset()
	return policy
}

// nextRetryDelay advances policy. A positive Retry-After value takes
// precedence but is capped at the policy's MaxInterval.
func nextRetryDelay(policy *backoff.ExponentialBackOff, retryAfterHeader string) time.Duration {
	delay := policy.NextBackOff()
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, policy.MaxInterval)
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
