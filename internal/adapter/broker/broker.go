package broker

import (
	"errors"
	"time"
)

var (
	ErrLeaseLost    = errors.New("delivery lease no longer owns the job")
	ErrBrokerClosed = errors.New("broker closed")
)

const (
	defaultMaxAttempts       = 3
	defaultBaseDelay         = time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultVisibilityTimeout = 30 * time.Second
	defaultFailedCap         = 1000
)

// RetryPolicy bounds redelivery of explicitly failed jobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// Delay returns base * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// canRetry reports whether a failed delivery may be scheduled again.
func (p RetryPolicy) canRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

type Options struct {
	Retry             RetryPolicy
	VisibilityTimeout time.Duration
	FailedCap         int
}

func (o Options) withDefaults() Options {
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = defaultMaxAttempts
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = defaultBaseDelay
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = defaultMaxDelay
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = defaultVisibilityTimeout
	}
	if o.FailedCap <= 0 {
		o.FailedCap = defaultFailedCap
	}
	return o
}

// JobLifetime bounds how long a job can stay with the broker when every
// attempt runs until its lease expires: one visibility timeout per attempt
// plus the backoff between attempts.
func (o Options) JobLifetime() time.Duration {
	o = o.withDefaults()

	lifetime := time.Duration(o.Retry.MaxAttempts) * o.VisibilityTimeout
	for attempt := 1; attempt < o.Retry.MaxAttempts; attempt++ {
		lifetime += o.Retry.Delay(attempt)
	}
	return lifetime
}

func failureReason(cause error) string {
	if cause == nil {
		return "unknown"
	}
	return cause.Error()
}
