package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterPruneSize = 1024
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// principalLimiter keeps one token bucket per authenticated user.
type principalLimiter struct {
	mu      sync.RWMutex
	limit   rate.Limit
	burst   int
	entries map[int64]*limiterEntry
	now     func() time.Time
}

// newPrincipalLimiter allows perMinute requests per user; perMinute <= 0
// disables limiting.
func newPrincipalLimiter(perMinute float64, burst int) *principalLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &principalLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		entries: make(map[int64]*limiterEntry),
		now:     time.Now,
	}
}

func (l *principalLimiter) allow(userID int64) bool {
	if l == nil {
		return true
	}
	return l.get(userID).Allow()
}

func (l *principalLimiter) get(userID int64) *rate.Limiter {
	now := l.now()
	l.mu.RLock()
	entry, ok := l.entries[userID]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		entry.lastAccess = now
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// double-check after acquiring write lock
	if entry, ok = l.entries[userID]; ok {
		entry.lastAccess = now
		return entry.limiter
	}
	if len(l.entries) >= limiterPruneSize {
		l.pruneLocked(now)
	}
	entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst), lastAccess: now}
	l.entries[userID] = entry
	return entry.limiter
}

func (l *principalLimiter) pruneLocked(now time.Time) {
	for id, entry := range l.entries {
		if now.Sub(entry.lastAccess) > limiterIdleTTL {
			delete(l.entries, id)
		}
	}
}
