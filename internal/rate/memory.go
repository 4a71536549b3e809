package rate

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key. Buckets idle for longer than
// their window are evicted by the cache janitor.
type Limiter struct {
	mu      sync.Mutex
	buckets *gocache.Cache
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: gocache.New(10*time.Minute, time.Minute)}
}

// Allow permits limit events per window for key, refilling continuously.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return false
	}
	l.mu.Lock()
	var lim *rate.Limiter
	if v, ok := l.buckets.Get(key); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	}
	l.buckets.Set(key, lim, 3*window)
	l.mu.Unlock()
	return lim.Allow()
}

func (l *Limiter) Len() int { return l.buckets.ItemCount() }
