package toolpolicy

import (
	"sync"
	"time"
)

// Decision is the result of evaluating the rate limiter.
type Decision struct {
	Allowed                 bool
	RetryAfter              time.Duration
	PrincipalThrottleEvents int64
	ThrottleEventsTotal     int64
}

type principalState struct {
	// timestamps holds the admission times of the last up-to-max
	// allowed calls still inside the current window, oldest first.
	timestamps     []time.Time
	throttleEvents int64
}

// Limiter is a per-principal true sliding-window rate limiter: for any
// principal, the number of Allowed==true results within any window-
// length interval never exceeds max. A token-bucket with burst=max
// admits a burst at the start of a window and a second burst as soon
// as it refills, which can double-admit inside a single sliding
// window; a timestamp deque pruned to the window cannot.
type Limiter struct {
	mu          sync.Mutex
	byPrincipal map[string]*principalState
	totalThrottleEvents int64
}

func NewLimiter() *Limiter {
	return &Limiter{byPrincipal: make(map[string]*principalState)}
}

// Evaluate checks and, if allowed, consumes one slot for principal at
// now. max <= 0 is treated as "no limit" by the caller (Policy.CheckRate
// already special-cases RateLimitMax == 0).
func (l *Limiter) Evaluate(principal string, max int, window time.Duration, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.byPrincipal[principal]
	if !ok {
		state = &principalState{}
		l.byPrincipal[principal] = state
	}

	cutoff := now.Add(-window)
	pruned := state.timestamps[:0]
	for _, ts := range state.timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	state.timestamps = pruned

	if len(state.timestamps) < max {
		state.timestamps = append(state.timestamps, now)
		return Decision{Allowed: true}
	}

	state.throttleEvents++
	l.totalThrottleEvents++
	retryAfter := state.timestamps[0].Add(window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}

	return Decision{
		Allowed:                 false,
		RetryAfter:              retryAfter,
		PrincipalThrottleEvents: state.throttleEvents,
		ThrottleEventsTotal:     l.totalThrottleEvents,
	}
}
