package turnloop

import (
	"context"
	"math/rand"
	"time"

	"github.com/corerun/agentcore/internal/domain/stream"
)

// RetryConfig bounds the outer retry loop wrapping a streaming model
// call (spec §4.I step 7), grounded on the teacher's llm_caller.go
// callLLMWithRetry exponential-backoff shape.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches the teacher's callLLMWithRetry constants:
// up to 3 retries, doubling from 2s, capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// iterationAttempt is what one streaming attempt observed, enough to
// evaluate the "no side effect yet" retriability gate of spec §4.I step 7.
type iterationAttempt struct {
	sawToolCall bool
	sawText     bool
	cancelled   bool
}

// isRetriable implements spec §4.I step 7's retry gate: a failure is
// retriable only if (a) the adapter maps it to a retriable kind, (b) no
// tool-call was observed, (c) no text was produced, (d) cancel was not
// requested.
func isRetriable(kind stream.ErrorKind, attempt iterationAttempt) bool {
	if attempt.cancelled {
		return false
	}
	if attempt.sawToolCall || attempt.sawText {
		return false
	}
	return kind.IsRetryable()
}

// backoffDelay computes the exponential-with-jitter wait before retry
// attempt n (1-indexed), honoring a server-supplied Retry-After when
// present (retryAfter <= 0 means "no hint").
func backoffDelay(cfg RetryConfig, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return retryAfter
	}
	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	total := delay + jitter
	if total > cfg.MaxDelay {
		total = cfg.MaxDelay
	}
	return total
}

// sleepWithCancel waits for d or returns ctx.Err() if ctx is cancelled first.
func sleepWithCancel(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryAfterFromError(err error) time.Duration {
	if ra, ok := err.(RetryAfter); ok {
		if ms := ra.RetryAfterMillis(); ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}
