// Package ratelimit throttles inbound traffic at a relay by peer IP, and escalates bans for peers whose circuit/create attempts are
// themselves malformed rather than merely frequent (§7 "Resource
// exhaustion").
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes per-IP throttling of inbound connections and circuit
// create attempts.
type Config struct {
	// RequestsPerSecond and BurstSize bound the token bucket every peer IP
	// is given for ordinary inbound connections (control, relay, dir).
	RequestsPerSecond float64
	BurstSize         int

	// CleanupInterval controls how often idle per-IP state is reaped.
	CleanupInterval time.Duration

	// BanDuration is how long a peer is refused entirely once it crosses
	// MaxViolations.
	BanDuration time.Duration

	// MaxViolations is the violation-weight threshold that triggers a ban.
	// An ordinary rate-limit trip costs 1; a protocol-level misbehavior at
	// the switchboard (failed key unwrap, circID collision on create)
	// costs more via Penalize, so a relay that floods malformed creates is
	// banned well before one that merely reconnects often.
	MaxViolations int
}

// Limiter implements per-IP throttling with a weighted-violation ban
// escalation path.
type Limiter struct {
	config   Config
	limiters map[string]*ipLimiter
	banned   map[string]time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ipLimiter tracks throttling state for a single peer IP.
type ipLimiter struct {
	limiter    *rate.Limiter
	violations int
	lastSeen   time.Time
}

// NewLimiter creates a limiter, starting its background cleanup goroutine.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = 1 * time.Hour
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = 5
	}

	l := &Limiter{
		config:   cfg,
		limiters: make(map[string]*ipLimiter),
		banned:   make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go l.cleanup()

	return l
}

// Allow reports whether ip may make one more request right now, given its
// token bucket and ban state.
func (l *Limiter) Allow(ip string) bool {
	return l.AllowN(ip, 1)
}

// AllowN reports whether ip may spend n tokens right now.
func (l *Limiter) AllowN(ip string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isBannedLocked(ip) {
		return false
	}

	il := l.getOrCreateLocked(ip)
	il.lastSeen = time.Now()

	if !il.limiter.AllowN(time.Now(), n) {
		l.recordViolationLocked(ip, il, 1)
		return false
	}

	il.violations = 0
	return true
}

// Penalize charges ip weight violations immediately, independent of its
// token bucket, and bans it on the spot if that crosses MaxViolations.
// The switchboard calls this when a peer's create attempt fails for a
// protocol or cryptographic reason rather than plain overuse, so a
// relay flooding malformed creates is cut off faster than one that is
// merely noisy.
func (l *Limiter) Penalize(ip string, weight int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	il := l.getOrCreateLocked(ip)
	il.lastSeen = time.Now()
	l.recordViolationLocked(ip, il, weight)
}

// getOrCreateLocked returns ip's tracking state, allocating it if absent.
// Caller must hold mu.
func (l *Limiter) getOrCreateLocked(ip string) *ipLimiter {
	il, exists := l.limiters[ip]
	if !exists {
		il = &ipLimiter{
			limiter:  rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize),
			lastSeen: time.Now(),
		}
		l.limiters[ip] = il
	}
	return il
}

// recordViolationLocked adds weight to ip's violation count and bans it if
// the threshold is reached. Caller must hold mu.
func (l *Limiter) recordViolationLocked(ip string, il *ipLimiter, weight int) {
	il.violations += weight
	if il.violations >= l.config.MaxViolations {
		l.banned[ip] = time.Now().Add(l.config.BanDuration)
		delete(l.limiters, ip)
	}
}

// isBannedLocked reports whether ip is currently banned, clearing an
// expired ban as a side effect. Caller must hold mu.
func (l *Limiter) isBannedLocked(ip string) bool {
	banUntil, banned := l.banned[ip]
	if !banned {
		return false
	}
	if time.Now().Before(banUntil) {
		return true
	}
	delete(l.banned, ip)
	return false
}

// IsBanned reports whether ip is currently banned.
func (l *Limiter) IsBanned(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isBannedLocked(ip)
}

// Ban bans ip for duration, discarding any token-bucket state it had.
func (l *Limiter) Ban(ip string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.banned[ip] = time.Now().Add(duration)
	delete(l.limiters, ip)
}

// Unban clears ip's ban, if any.
func (l *Limiter) Unban(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.banned, ip)
}

// Reset clears all throttling and ban state for ip.
func (l *Limiter) Reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.limiters, ip)
	delete(l.banned, ip)
}

// Stats summarizes the limiter's current bookkeeping load.
type Stats struct {
	ActiveLimiters int
	BannedIPs      int
}

// Stats returns a snapshot of current throttling state, for /metrics.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		ActiveLimiters: len(l.limiters),
		BannedIPs:      len(l.banned),
	}
}

// Violations returns ip's current violation weight, or 0 if untracked.
func (l *Limiter) Violations(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if il, exists := l.limiters[ip]; exists {
		return il.violations
	}
	return 0
}

// BannedUntil returns when ip's ban expires, or the zero time if it isn't banned.
func (l *Limiter) BannedUntil(ip string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if banUntil, banned := l.banned[ip]; banned {
		return banUntil
	}
	return time.Time{}
}

// Stop halts the cleanup goroutine and blocks until it has exited.
func (l *Limiter) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// cleanup periodically reaps idle per-IP state and expired bans.
func (l *Limiter) cleanup() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.doCleanup()
		}
	}
}

func (l *Limiter) doCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	for ip, il := range l.limiters {
		if now.Sub(il.lastSeen) > l.config.CleanupInterval*2 {
			delete(l.limiters, ip)
		}
	}

	for ip, banUntil := range l.banned {
		if now.After(banUntil) {
			delete(l.banned, ip)
		}
	}
}
