package trade

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a user's limiter may go unused before it is dropped.
const idleAfter = 10 * time.Minute

// Throttle limits order placement per user with a token bucket each.
// A nil *Throttle allows everything.
type Throttle struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	users     map[string]*userLimiter
	lastSweep time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows perSecond orders per user with the given burst.
// Returns nil when perSecond is not positive.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		users:     make(map[string]*userLimiter),
		lastSweep: time.Now(),
	}
}

// Allow reports whether userID may place an order now, consuming a token.
func (t *Throttle) Allow(userID string) bool {
	if t == nil {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastSweep) > idleAfter {
		for id, u := range t.users {
			if now.Sub(u.lastSeen) > idleAfter {
				delete(t.users, id)
			}
		}
		t.lastSweep = now
	}

	u, ok := t.users[userID]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.users[userID] = u
	}
	u.lastSeen = now
	return u.limiter.AllowN(now, 1)
}
