package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleExpiry = 3 * time.Minute

type pollVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PollLimiter bounds how often each user may open long-poll requests. A nil limiter
// admits every request.
type PollLimiter struct {
	mu        sync.Mutex
	visitors  map[int64]*pollVisitor
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// NewPollLimiter returns a token-bucket limiter allowing requestsPerMinute polls per user.
// Non-positive rates disable limiting.
func NewPollLimiter(requestsPerMinute int) *PollLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return &PollLimiter{
		visitors: make(map[int64]*pollVisitor),
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
		now:      time.Now,
	}
}

// Allow reports whether userID may start another poll now.
func (l *PollLimiter) Allow(userID int64) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > time.Minute {
		for id, visitor := range l.visitors {
			if now.Sub(visitor.lastSeen) > limiterIdleExpiry {
				delete(l.visitors, id)
			}
		}
		l.lastSweep = now
	}
	visitor, ok := l.visitors[userID]
	if !ok {
		visitor = &pollVisitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[userID] = visitor
	}
	visitor.lastSeen = now
	return visitor.limiter.AllowN(now, 1)
}
