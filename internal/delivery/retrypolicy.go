package delivery

import "time"

// DefaultPolicyConfig carries the fast/slow phase defaults applied when a
// subscription has no retry policy of its own.
type DefaultPolicyConfig struct {
	FastMin   time.Duration
	FastMax   time.Duration
	FastCount int
	SlowDelay time.Duration
	SlowCount int
}

// Decision is the retry engine's verdict for a failed attempt.
type Decision struct {
	Exhausted bool
	Delay     time.Duration
}

// NextDelay returns the next retry delay for an attempt that failed with the
// given zero-based retry_count, or reports exhaustion. status is the HTTP
// status observed (0 when no response was obtained, e.g. transport failure).
func NextDelay(policy *RetryPolicy, cfg DefaultPolicyConfig, retryCount int, status int) Decision {
	if policy == nil {
		return defaultNextDelay(cfg, retryCount, status)
	}
	return customNextDelay(policy, retryCount, status)
}

func defaultNextDelay(cfg DefaultPolicyConfig, retryCount int, status int) Decision {
	// The default policy treats all non-2xx uniformly: retry by count, not
	// by status code.
	_ = status

	maxAttempts := cfg.FastCount + cfg.SlowCount
	if retryCount+1 >= maxAttempts {
		return Decision{Exhausted: true}
	}

	if retryCount < cfg.FastCount {
		delay := cfg.FastMin * (1 << uint(retryCount))
		if delay > cfg.FastMax {
			delay = cfg.FastMax
		}
		return Decision{Delay: delay}
	}

	return Decision{Delay: cfg.SlowDelay}
}

func customNextDelay(policy *RetryPolicy, retryCount int, status int) Decision {
	if !policy.RetryNonSuccessStatus && status >= 400 && status < 500 {
		return Decision{Exhausted: true}
	}

	if retryCount+1 >= policy.MaxAttempts {
		return Decision{Exhausted: true}
	}

	idx := retryCount
	if idx >= len(policy.Intervals) {
		idx = len(policy.Intervals) - 1 // beyond the configured intervals, clamp to the last one
	}
	if idx < 0 {
		idx = 0
	}
	return Decision{Delay: policy.Intervals[idx]}
}

// ValidatePolicy enforces the creation-time constraints on a retry policy:
// at least one interval, each interval in [1s, 604800s], max_attempts in [1,100].
func ValidatePolicy(p *RetryPolicy) error {
	if len(p.Intervals) == 0 {
		return errIntervals("at least one interval is required")
	}
	for _, iv := range p.Intervals {
		if iv < time.Second || iv > 604800*time.Second {
			return errIntervals("each interval must be between 1s and 604800s")
		}
	}
	if p.MaxAttempts < 1 || p.MaxAttempts > 100 {
		return errIntervals("max_attempts must be between 1 and 100")
	}
	return nil
}

type policyError string

func (e policyError) Error() string { return string(e) }

func errIntervals(msg string) error { return policyError(msg) }
