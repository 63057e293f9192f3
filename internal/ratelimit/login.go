// Package ratelimit implements the brute-force defenses in front of the login
// flow: an in-memory per-(IP, username) failure counter with a lockout window,
// backed by a durable attempt log that survives process restarts. The two
// signals are combined conservatively: an attempt is rejected if either one
// says blocked.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"unitedexchange.org/internal/obs"
)

const (
	defaultThreshold     = 5
	defaultWindow        = 15 * time.Minute
	defaultBlockDuration = 30 * time.Minute
	defaultDurableWindow = 30 * time.Minute
	cleanupInterval      = time.Minute
)

// AttemptLog is the durable, cross-restart side of the limiter. Append
// failures must not abort the login flow; Append errors are logged and
// swallowed by the limiter.
type AttemptLog interface {
	Append(ctx context.Context, username, ip string, success bool, at time.Time) error
	// CountRecentFailures counts failed attempts for the username OR the IP
	// within the trailing window.
	CountRecentFailures(ctx context.Context, username, ip string, window time.Duration) (int, error)
}

type counter struct {
	count        int
	firstAttempt time.Time
	blocked      bool
	blockedUntil time.Time
}

// LoginLimiter tracks consecutive failed logins per ip:username key. The
// in-memory counters are an optimization so most blocked attempts never touch
// storage; the durable log is the authoritative cross-restart signal. They can
// disagree transiently after a crash, which is intentional defense-in-depth.
//
// Counters do not survive a restart and are not shared across instances; the
// durable log is the only cross-instance signal. See DESIGN.md.
type LoginLimiter struct {
	log       AttemptLog
	threshold int
	window    time.Duration
	blockFor  time.Duration
	durable   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	counters map[string]*counter

	stopOnce sync.Once
	stop     chan struct{}
}

// LoginOption configures LoginLimiter behavior.
type LoginOption func(*LoginLimiter)

// WithThreshold overrides the consecutive-failure threshold.
func WithThreshold(n int) LoginOption {
	return func(l *LoginLimiter) {
		if n > 0 {
			l.threshold = n
		}
	}
}

// WithWindow overrides the in-memory tracking window.
func WithWindow(d time.Duration) LoginOption {
	return func(l *LoginLimiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithBlockDuration overrides the lockout duration.
func WithBlockDuration(d time.Duration) LoginOption {
	return func(l *LoginLimiter) {
		if d > 0 {
			l.blockFor = d
		}
	}
}

// WithDurableWindow overrides the trailing window for the durable-log check.
func WithDurableWindow(d time.Duration) LoginOption {
	return func(l *LoginLimiter) {
		if d > 0 {
			l.durable = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) LoginOption {
	return func(l *LoginLimiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLoginLimiter constructs a limiter and starts its periodic cleanup of
// expired counters. Call Close to stop the cleanup goroutine.
func NewLoginLimiter(log AttemptLog, opts ...LoginOption) *LoginLimiter {
	l := &LoginLimiter{
		log:       log,
		threshold: defaultThreshold,
		window:    defaultWindow,
		blockFor:  defaultBlockDuration,
		durable:   defaultDurableWindow,
		now:       time.Now,
		counters:  make(map[string]*counter),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanupLoop()
	return l
}

// Close stops the background cleanup.
func (l *LoginLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func clientKey(ip, username string) string { return ip + ":" + username }

// Check reports whether a login attempt for the key may proceed. A returned
// retryAfter > 0 means the attempt is blocked for that long. The error is
// non-nil only when the durable log is unreachable, which callers surface as
// an internal failure: with the authoritative signal unavailable there is no
// safe default.
func (l *LoginLimiter) Check(ctx context.Context, ip, username string) (retryAfter time.Duration, err error) {
	now := l.now()
	key := clientKey(ip, username)

	l.mu.Lock()
	if c, ok := l.counters[key]; ok {
		switch {
		case c.blocked && now.Before(c.blockedUntil):
			remaining := c.blockedUntil.Sub(now)
			l.mu.Unlock()
			return remaining, nil
		case c.blocked:
			// Block expired: the key is allowed again with a fresh window.
			delete(l.counters, key)
		case now.Sub(c.firstAttempt) > l.window:
			delete(l.counters, key)
		}
	}
	l.mu.Unlock()

	// Independent durable signal: catches state lost to a restart.
	n, err := l.log.CountRecentFailures(ctx, username, ip, l.durable)
	if err != nil {
		return 0, fmt.Errorf("count recent failed attempts: %w", err)
	}
	if n >= l.threshold {
		return l.blockFor, nil
	}
	return 0, nil
}

// RecordFailure increments the failure counter for the key, transitioning it
// to blocked at the threshold, and appends a failure row to the durable log.
// The returned duration is > 0 when the key is now blocked, so the failing
// response itself can be a lockout rejection.
func (l *LoginLimiter) RecordFailure(ctx context.Context, ip, username string) time.Duration {
	now := l.now()
	key := clientKey(ip, username)

	l.mu.Lock()
	c, ok := l.counters[key]
	if !ok || (!c.blocked && now.Sub(c.firstAttempt) > l.window) {
		c = &counter{firstAttempt: now}
		l.counters[key] = c
	}
	c.count++
	if !c.blocked && c.count >= l.threshold {
		c.blocked = true
		c.blockedUntil = now.Add(l.blockFor)
	}
	var blockedFor time.Duration
	if c.blocked && now.Before(c.blockedUntil) {
		blockedFor = c.blockedUntil.Sub(now)
	}
	l.mu.Unlock()

	if err := l.log.Append(ctx, username, ip, false, now); err != nil {
		obs.LogError("ratelimit", "append failed login attempt", err)
	}
	return blockedFor
}

// RecordSuccess clears the in-memory counter for the key and appends a success
// row; success rows are what age the durable block out, since the durable
// check only counts failures in the trailing window.
func (l *LoginLimiter) RecordSuccess(ctx context.Context, ip, username string) {
	now := l.now()
	key := clientKey(ip, username)

	l.mu.Lock()
	delete(l.counters, key)
	l.mu.Unlock()

	if err := l.log.Append(ctx, username, ip, true, now); err != nil {
		obs.LogError("ratelimit", "append successful login attempt", err)
	}
}

func (l *LoginLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *LoginLimiter) cleanup() {
	now := l.now()
	l.mu.Lock()
	for key, c := range l.counters {
		if c.blocked {
			if !now.Before(c.blockedUntil) {
				delete(l.counters, key)
			}
			continue
		}
		if now.Sub(c.firstAttempt) > l.window {
			delete(l.counters, key)
		}
	}
	l.mu.Unlock()
}
