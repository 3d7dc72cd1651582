package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/hypeloop/postflow/internal/domain"
)

// Window defines one rolling rate-limit window.
type Window struct {
	Max      int
	Duration time.Duration
}

// RateLimits is the set of windows enforced per account and platform.
// A post is admitted only when every window has remaining capacity.
type RateLimits struct {
	Hourly Window
	Daily  Window
}

// DefaultRateLimits returns conservative per-account posting limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Hourly: Window{Max: 5, Duration: time.Hour},
		Daily:  Window{Max: 25, Duration: 24 * time.Hour},
	}
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter tracks per (account, platform) post timestamps in rolling
// windows and decides admit/defer. Capacity is reserved at admission and
// released if the post does not succeed, so two concurrent dispatch
// workers can never both consume the last slot.
//
// The implementation keeps a true sliding-window log of post times per
// key rather than fixed buckets: capacity recovers continuously as old
// posts age out.
type RateLimiter struct {
	windows []Window

	mu    sync.Mutex
	posts map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter creates a rate limiter enforcing the given limits.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	return &RateLimiter{
		windows: []Window{limits.Hourly, limits.Daily},
		posts:   make(map[string][]time.Time),
		now:     time.Now,
	}
}

func limiterKey(accountID string, platform domain.Platform) string {
	return fmt.Sprintf("%s/%s", accountID, platform)
}

// Reserve atomically checks every window for the account+platform and,
// when all have capacity, consumes one slot. When any window is
// exhausted the decision carries the wait until the nearest-exhausted
// window frees a slot.
func (l *RateLimiter) Reserve(accountID string, platform domain.Platform) Decision {
	key := limiterKey(accountID, platform)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.prune(key, now)

	var retryAfter time.Duration
	for _, w := range l.windows {
		if w.Max <= 0 {
			continue
		}

		inWindow := countSince(log, now.Add(-w.Duration))
		if inWindow < w.Max {
			continue
		}

		// Oldest post inside this window leaving it frees one slot.
		oldest := log[len(log)-inWindow]
		wait := oldest.Add(w.Duration).Sub(now)
		if retryAfter == 0 || wait < retryAfter {
			retryAfter = wait
		}
	}

	if retryAfter > 0 {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	l.posts[key] = append(log, now)
	return Decision{Allowed: true}
}

// Release returns one reservation for the account+platform, for posts
// that were admitted but did not succeed. Timestamps in the log are
// treated as fungible: the newest entry is popped even when it belongs
// to a concurrent successful post, so window counts stay exact while a
// freed slot's age may be off by the gap between the two posts.
func (l *RateLimiter) Release(accountID string, platform domain.Platform) {
	key := limiterKey(accountID, platform)

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.posts[key]
	if len(log) == 0 {
		return
	}
	l.posts[key] = log[:len(log)-1]
}

// Usage returns how many posts are currently counted in the window for
// the account+platform.
func (l *RateLimiter) Usage(accountID string, platform domain.Platform, w Window) int {
	key := limiterKey(accountID, platform)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	return countSince(l.prune(key, now), now.Add(-w.Duration))
}

// prune drops timestamps older than the largest window. Must be called
// with the mutex held. Returns the remaining log, sorted oldest first.
func (l *RateLimiter) prune(key string, now time.Time) []time.Time {
	var longest time.Duration
	for _, w := range l.windows {
		if w.Duration > longest {
			longest = w.Duration
		}
	}

	log := l.posts[key]
	cutoff := now.Add(-longest)

	idx := 0
	for idx < len(log) && !log[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		log = log[idx:]
	}

	if len(log) == 0 {
		delete(l.posts, key)
		return nil
	}

	l.posts[key] = log
	return log
}

func countSince(log []time.Time, cutoff time.Time) int {
	count := 0
	for i := len(log) - 1; i >= 0; i-- {
		if !log[i].After(cutoff) {
			break
		}
		count++
	}
	return count
}
