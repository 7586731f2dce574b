package queue

import (
	"context"
	"time"

	sysconfigdomain "github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
)

const (
	DefaultMaxAttempts   = 3
	DefaultRetryInterval = 24 * time.Hour
)

// ConfigSource is the subset of the configuration service the policy reads.
type ConfigSource interface {
	GetInt(ctx context.Context, key string, def int) int
}

// RetryPolicy applies to both queue kinds.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Interval: DefaultRetryInterval}
}

// LoadRetryPolicy reads MAX_RETRY_ATTEMPTS and RETRY_INTERVAL_HOURS. A nil
// source yields the defaults.
func LoadRetryPolicy(ctx context.Context, src ConfigSource) RetryPolicy {
	policy := DefaultRetryPolicy()
	if src == nil {
		return policy
	}
	if n := src.GetInt(ctx, sysconfigdomain.KeyMaxRetryAttempts, DefaultMaxAttempts); n > 0 {
		policy.MaxAttempts = n
	}
	if h := src.GetInt(ctx, sysconfigdomain.KeyRetryIntervalHours, int(DefaultRetryInterval/time.Hour)); h > 0 {
		policy.Interval = time.Duration(h) * time.Hour
	}
	return policy
}

// Exhausted reports whether an item has used every attempt.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

// Eligible reports whether a failed item may be attempted again at now.
func (p RetryPolicy) Eligible(retryCount int, lastRetryAt *time.Time, now time.Time) bool {
	if p.Exhausted(retryCount) {
		return false
	}
	if lastRetryAt == nil {
		return true
	}
	return !lastRetryAt.After(p.Cutoff(now))
}

// Cutoff is the latest last-retry time that is eligible at now.
func (p RetryPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.Interval).UTC()
}
