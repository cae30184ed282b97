package signal

import (
	"sync"
	"time"

	"github.com/dkeye/mathminds/internal/domain"
	"golang.org/x/time/rate"
)

// CallRateLimiter allows each user a burst of limit calls, refilled evenly
// over interval.
type CallRateLimiter struct {
	mu        sync.Mutex
	limiters  map[domain.UserID]*rate.Limiter
	every     rate.Limit
	burst     int
	interval  time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewCallRateLimiter(limit int, interval time.Duration) *CallRateLimiter {
	return &CallRateLimiter{
		limiters: make(map[domain.UserID]*rate.Limiter),
		every:    rate.Every(interval / time.Duration(limit)),
		burst:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *CallRateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.sweepLocked(now)
	l, ok := rl.limiters[uid]
	if !ok {
		l = rate.NewLimiter(rl.every, rl.burst)
		rl.limiters[uid] = l
	}
	return l.AllowN(now, 1)
}

// sweepLocked forgets users whose bucket has refilled; a full bucket is
// indistinguishable from a new one.
func (rl *CallRateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.interval {
		return
	}
	rl.lastSweep = now
	for uid, l := range rl.limiters {
		if l.TokensAt(now) >= float64(rl.burst) {
			delete(rl.limiters, uid)
		}
	}
}

func (rl *CallRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
