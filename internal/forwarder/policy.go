package forwarder

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy is an exponential schedule: Base * 2^(attempt-1), capped at Max,
// with +/- JitterPct percent of noise. MaxAttempts bounds the total number of
// attempts, the first included.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	JitterPct   int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 30 * time.Second, Max: 30 * time.Minute, MaxAttempts: 8, JitterPct: 20}
}

// Backoff is the un-jittered delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = 30 * time.Second
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= max {
			return max
		}
	}
	return wait
}

// Exhausted reports whether no attempt may follow the given one.
func (p RetryPolicy) Exhausted(attempt int) bool {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return attempt >= max
}

// Delay returns the wait before the next attempt. A Retry-After longer than
// the computed backoff wins, but never beyond Max.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	wait := jitter(p.Backoff(attempt), p.JitterPct)
	if retryAfter > wait {
		wait = retryAfter
	}
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	return wait
}

func jitter(d time.Duration, pct int) time.Duration {
	if pct <= 0 || d <= 0 {
		return d
	}
	if pct > 100 {
		pct = 100
	}
	delta := int64(d) * int64(pct) / 100
	if delta <= 0 {
		return d
	}
	return time.Duration(int64(d) + rand.Int64N(2*delta+1) - delta)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
