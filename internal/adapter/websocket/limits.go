package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

const (
	DefaultMaxPerIP      = 50
	DefaultConnectRate   = 10.0
	DefaultConnectBurst  = 20
	limiterIdleAfter     = 10 * time.Minute
	limiterCleanupPeriod = 5 * time.Minute
)

// ConnectionLimits caps concurrent connections per instance and per IP, and the rate of
// new connections per IP.
type ConnectionLimits struct {
	clock  clockwork.Clock
	global atomic.Int64
	max    int64

	mu        sync.Mutex
	perIP     map[string]int
	maxPerIP  int
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionLimits returns limits allowing globalMax connections in total and maxPerIP
// from a single address, admitting connectionsPerSecond new ones per IP with burst.
func NewConnectionLimits(clock clockwork.Clock, globalMax int64, maxPerIP int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		clock:     clock,
		max:       globalMax,
		perIP:     make(map[string]int),
		maxPerIP:  maxPerIP,
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      rate.Limit(connectionsPerSecond),
		burst:     burst,
		cleanupAt: clock.Now().Add(limiterCleanupPeriod),
	}
}

// Acquire takes a slot for ip. It returns the reason when any limit is exceeded.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A rate rejection never holds a slot.
	if !l.allowRate(ip) {
		return false, LimitReasonRate
	}

	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}

	if l.perIP[ip] >= l.maxPerIP {
		l.global.Add(-1)
		return false, LimitReasonPerIP
	}
	l.perIP[ip]++
	return true, ""
}

// Release frees the slot taken by Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.perIP[ip]; count > 0 {
		if count == 1 {
			delete(l.perIP, ip)
		} else {
			l.perIP[ip] = count - 1
		}
		l.global.Add(-1)
	}
}

// Current returns the number of connections held.
func (l *ConnectionLimits) Current() int64 {
	return l.global.Load()
}

// CountFor returns the connections held by ip.
func (l *ConnectionLimits) CountFor(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.global.Load()
		if current >= l.max {
			return false
		}
		if l.global.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// allowRate must be called with mu held.
func (l *ConnectionLimits) allowRate(ip string) bool {
	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		cutoff := now.Add(-limiterIdleAfter)
		for key, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.cleanupAt = now.Add(limiterCleanupPeriod)
	}

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
