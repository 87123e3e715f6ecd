package security

import (
	"fmt"
	"sync"
	"time"
)

// Rate limit defaults and block durations. Identity limits are strict, the
// per-origin message window is deliberately more lenient (2x per-minute).
const (
	DefaultMaxConnsPerIdentity = 5
	DefaultMaxConnsPerOrigin   = 20
	DefaultMessagesPerMinute   = 60
	DefaultMessagesPerHour     = 1000

	minuteViolationBlock = time.Minute
	hourViolationBlock   = time.Hour
	originViolationBlock = 5 * time.Minute

	windowRetention = time.Hour
)

// RateLimiterConfig tunes the sliding-window limits.
type RateLimiterConfig struct {
	MaxConnsPerIdentity int
	MaxConnsPerOrigin   int
	MessagesPerMinute   int
	MessagesPerHour     int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxConnsPerIdentity: DefaultMaxConnsPerIdentity,
		MaxConnsPerOrigin:   DefaultMaxConnsPerOrigin,
		MessagesPerMinute:   DefaultMessagesPerMinute,
		MessagesPerHour:     DefaultMessagesPerHour,
	}
}

// rateEntry is the unit of contention: one per identity or origin, each with
// its own lock so unrelated keys never serialize against each other.
type rateEntry struct {
	mu         sync.Mutex
	conns      int
	window     []time.Time
	blockUntil time.Time
}

func (e *rateEntry) blocked(now time.Time) (time.Duration, bool) {
	if now.Before(e.blockUntil) {
		return e.blockUntil.Sub(now), true
	}
	return 0, false
}

func (e *rateEntry) prune(now time.Time) {
	cutoff := now.Add(-windowRetention)
	i := 0
	for i < len(e.window) && !e.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.window = append(e.window[:0], e.window[i:]...)
	}
}

func (e *rateEntry) countSince(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	n := 0
	for i := len(e.window) - 1; i >= 0; i-- {
		if !e.window[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

func (e *rateEntry) idle(now time.Time) bool {
	_, blocked := e.blocked(now)
	return e.conns == 0 && len(e.window) == 0 && !blocked
}

// RateLimiter is process-wide sliding-window admission control, keyed by
// user identity and by network origin. Entries are created lazily and
// garbage-collected once idle.
type RateLimiter struct {
	cfg RateLimiterConfig
	now func() time.Time

	mu         sync.RWMutex
	identities map[string]*rateEntry
	origins    map[string]*rateEntry
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxConnsPerIdentity <= 0 {
		cfg.MaxConnsPerIdentity = DefaultMaxConnsPerIdentity
	}
	if cfg.MaxConnsPerOrigin <= 0 {
		cfg.MaxConnsPerOrigin = DefaultMaxConnsPerOrigin
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = DefaultMessagesPerMinute
	}
	if cfg.MessagesPerHour <= 0 {
		cfg.MessagesPerHour = DefaultMessagesPerHour
	}
	return &RateLimiter{
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		identities: make(map[string]*rateEntry),
		origins:    make(map[string]*rateEntry),
	}
}

// SetClock overrides the time source, for tests.
func (l *RateLimiter) SetClock(now func() time.Time) {
	l.now = now
}

// CanConnect reports whether a new connection is admitted for the identity
// and origin pair.
func (l *RateLimiter) CanConnect(identity, origin string) (bool, string) {
	now := l.now()

	ie := l.entry(l.identities, identity)
	ie.mu.Lock()
	if wait, blocked := ie.blocked(now); blocked {
		ie.mu.Unlock()
		return false, fmt.Sprintf("identity blocked for %s", wait.Round(time.Second))
	}
	if ie.conns >= l.cfg.MaxConnsPerIdentity {
		ie.mu.Unlock()
		return false, "identity connection limit reached"
	}
	ie.mu.Unlock()

	oe := l.entry(l.origins, origin)
	oe.mu.Lock()
	defer oe.mu.Unlock()
	if wait, blocked := oe.blocked(now); blocked {
		return false, fmt.Sprintf("origin blocked for %s", wait.Round(time.Second))
	}
	if oe.conns >= l.cfg.MaxConnsPerOrigin {
		return false, "origin connection limit reached"
	}
	return true, ""
}

// AddConnection bumps the live counters for an admitted connection.
func (l *RateLimiter) AddConnection(identity, origin string) {
	ie := l.entry(l.identities, identity)
	ie.mu.Lock()
	ie.conns++
	ie.mu.Unlock()

	oe := l.entry(l.origins, origin)
	oe.mu.Lock()
	oe.conns++
	oe.mu.Unlock()
}

// RemoveConnection decrements the counters; a no-op below zero.
func (l *RateLimiter) RemoveConnection(identity, origin string) {
	now := l.now()
	l.release(l.identities, identity, now)
	l.release(l.origins, origin, now)
}

func (l *RateLimiter) release(table map[string]*rateEntry, key string, now time.Time) {
	l.mu.RLock()
	e, ok := table[key]
	l.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.conns > 0 {
		e.conns--
	}
	e.prune(now)
	idle := e.idle(now)
	e.mu.Unlock()
	if idle {
		l.gc(table, key, now)
	}
}

// CanSendMessage evaluates the identity's sliding windows and the more
// lenient origin window. A violation installs a block and denies.
func (l *RateLimiter) CanSendMessage(identity, origin string) (bool, string) {
	now := l.now()

	ie := l.entry(l.identities, identity)
	ie.mu.Lock()
	if wait, blocked := ie.blocked(now); blocked {
		ie.mu.Unlock()
		return false, fmt.Sprintf("identity blocked for %s", wait.Round(time.Second))
	}
	ie.prune(now)
	if len(ie.window) >= l.cfg.MessagesPerHour {
		ie.blockUntil = now.Add(hourViolationBlock)
		ie.mu.Unlock()
		return false, "hourly message limit exceeded"
	}
	if ie.countSince(now, time.Minute) >= l.cfg.MessagesPerMinute {
		ie.blockUntil = now.Add(minuteViolationBlock)
		ie.mu.Unlock()
		return false, "per-minute message limit exceeded"
	}
	ie.mu.Unlock()

	oe := l.entry(l.origins, origin)
	oe.mu.Lock()
	defer oe.mu.Unlock()
	if wait, blocked := oe.blocked(now); blocked {
		return false, fmt.Sprintf("origin blocked for %s", wait.Round(time.Second))
	}
	oe.prune(now)
	if oe.countSince(now, time.Minute) >= 2*l.cfg.MessagesPerMinute {
		oe.blockUntil = now.Add(originViolationBlock)
		return false, "origin message limit exceeded"
	}
	return true, ""
}

// RecordMessage appends a timestamp to both windows.
func (l *RateLimiter) RecordMessage(identity, origin string) {
	now := l.now()

	ie := l.entry(l.identities, identity)
	ie.mu.Lock()
	ie.prune(now)
	ie.window = append(ie.window, now)
	ie.mu.Unlock()

	oe := l.entry(l.origins, origin)
	oe.mu.Lock()
	oe.prune(now)
	oe.window = append(oe.window, now)
	oe.mu.Unlock()
}

func (l *RateLimiter) entry(table map[string]*rateEntry, key string) *rateEntry {
	l.mu.RLock()
	e, ok := table[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := table[key]; ok {
		return e
	}
	e = &rateEntry{}
	table[key] = e
	return e
}

func (l *RateLimiter) gc(table map[string]*rateEntry, key string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := table[key]
	if !ok {
		return
	}
	e.mu.Lock()
	idle := e.idle(now)
	e.mu.Unlock()
	if idle {
		delete(table, key)
	}
}
