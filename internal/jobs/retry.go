package jobs

import (
	"strings"
	"time"

	"github.com/user/em2/internal/types"
)

// RetryPolicy controls how failed deliveries are retried. The delay grows
// linearly: attempt n waits n*Step, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	Step        time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 6,
		Step:        10 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// ShouldRetry reports whether another attempt should follow attempt
// (1-indexed) failing with err.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// IsRetryable classifies errors as transient or permanent. Typed errors are
// classified by kind, anything else by its message. Unknown errors are
// retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch types.KindOf(err) {
	case types.KindTransient:
		return true
	case types.KindBadRequest, types.KindConflict, types.KindUnauthorized,
		types.KindNotFound, types.KindNotConfigured, types.KindResync:
		return false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") {
		return true
	}
	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return false
	}
	return true
}

// NextDelay returns the wait before attempt (1-indexed).
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(attempt) * p.Step
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
