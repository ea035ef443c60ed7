package domain

import (
	"math"
	"math/rand"
	"time"
)

type RetryPolicyType string

const (
	RetryPolicyFixed       RetryPolicyType = "fixed"
	RetryPolicyExponential RetryPolicyType = "exponential"
)

// RetryPolicy is a pure mapping from failure count to retry delay.
// MaxAttempts is the retry budget: the nth failure is retried while
// n <= MaxAttempts, so a policy with MaxAttempts=3 allows three retries
// and the fourth failure becomes terminal.
type RetryPolicy struct {
	Type        RetryPolicyType `json:"type"`
	BaseDelay   time.Duration   `json:"base_delay"`
	Factor      float64         `json:"factor"`
	MaxDelay    time.Duration   `json:"max_delay"`
	MaxAttempts int             `json:"max_attempts"`
	Jitter      bool            `json:"jitter"`
}

// Delay computes the backoff before retrying after the given failure count
// (1-indexed). The jitter seed comes from the StepFailed event so replay
// recomputes an identical delay.
func (p RetryPolicy) Delay(attempt int, seed int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Type {
	case RetryPolicyExponential:
		factor := p.Factor
		if factor <= 0 {
			factor = 2
		}
		d = time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1)))
	default:
		d = p.BaseDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter && d > 0 {
		r := rand.New(rand.NewSource(seed + int64(attempt)))
		d = time.Duration(r.Float64() * float64(d))
	}

	return d
}

// Exhausted reports whether the given failure count is past the retry budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// RetryDecision is the evaluator's verdict for one StepFailed event.
type RetryDecision struct {
	Retry       bool
	Delay       time.Duration
	NextRetryAt time.Time
}

// EvaluateRetry applies the policy to the attempt recorded in a StepFailed
// payload. failedAt anchors the schedule to the event timestamp, not the
// wall clock, which keeps replay deterministic.
func EvaluateRetry(policy RetryPolicy, attempt int, seed int64, failedAt time.Time) RetryDecision {
	if policy.Exhausted(attempt) {
		return RetryDecision{}
	}
	delay := policy.Delay(attempt, seed)
	return RetryDecision{
		Retry:       true,
		Delay:       delay,
		NextRetryAt: failedAt.Add(delay),
	}
}
