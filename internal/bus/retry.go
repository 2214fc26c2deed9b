package bus

import (
	"context"
	"math"
	"strings"
	"time"
)

// Transient error tokens: DefaultRetryableTokens drive the consumer retry
// predicate and DefaultTransientTokens the DLQ triage. Matching is done
// against the error name and message.
var DefaultRetryableTokens = []string{"NETWORK_EXCEPTION", "REQUEST_TIMED_OUT"}

var DefaultTransientTokens = []string{
	"NETWORK_EXCEPTION", "REQUEST_TIMED_OUT", "CONNECTION_ERROR", "ECONNRESET", "ENOTFOUND",
}

// RetryPolicy drives in-process handler retries inside the consumer.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	RetryableTokens   []string
}

// DefaultRetryPolicy matches the consumer defaults: three handler invocations
// in total (two retries) starting at one second, doubling, capped at thirty
// seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		RetryableTokens:   DefaultRetryableTokens,
	}
}

// Delay returns the backoff before retry number attempt (0-based):
// min(initial * multiplier^attempt, max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt)))
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// Retryable reports whether the handler error matches any configured
// retryable token. Business errors are non-retryable unless tagged.
func (p RetryPolicy) Retryable(err error) bool {
	return matchesToken(err, p.RetryableTokens)
}

func matchesToken(err error, tokens []string) bool {
	if err == nil {
		return false
	}
	return matchesTokenText(ErrorName(err)+" "+err.Error(), tokens)
}

func matchesTokenText(text string, tokens []string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// sleepCtx waits for d or until the context is canceled, whichever comes
// first. Returns the context error on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
