package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryAttemptLog mirrors the durable-log contract: failures are counted
// within the trailing window, and only those after the latest success.
type memoryAttemptLog struct {
	mu  sync.Mutex
	err error
	now func() time.Time

	rows []struct {
		username, ip string
		success      bool
		at           time.Time
	}
}

func (m *memoryAttemptLog) Append(ctx context.Context, username, ip string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, struct {
		username, ip string
		success      bool
		at           time.Time
	}{username, ip, success, at})
	return nil
}

func (m *memoryAttemptLog) CountRecentFailures(ctx context.Context, username, ip string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	cutoff := m.now().Add(-window)
	var lastSuccess time.Time
	for _, row := range m.rows {
		if row.success && (row.username == username || row.ip == ip) && row.at.After(lastSuccess) {
			lastSuccess = row.at
		}
	}
	count := 0
	for _, row := range m.rows {
		if row.success || (row.username != username && row.ip != ip) {
			continue
		}
		if row.at.After(cutoff) && row.at.After(lastSuccess) {
			count++
		}
	}
	return count, nil
}

type limiterFixture struct {
	limiter *LoginLimiter
	log     *memoryAttemptLog
	clock   *time.Time
}

func newFixture(t *testing.T) *limiterFixture {
	t.Helper()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := &now
	log := &memoryAttemptLog{now: func() time.Time { return *clock }}
	limiter := NewLoginLimiter(log, WithClock(func() time.Time { return *clock }))
	t.Cleanup(limiter.Close)
	return &limiterFixture{limiter: limiter, log: log, clock: clock}
}

func (f *limiterFixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func TestLockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		retry, err := f.limiter.Check(ctx, "10.0.0.1", "bob")
		require.NoError(t, err)
		assert.Zero(t, retry, "attempt %d should be allowed", i+1)
		assert.Zero(t, f.limiter.RecordFailure(ctx, "10.0.0.1", "bob"))
	}

	// The fifth failure itself reports the lockout.
	blockedFor := f.limiter.RecordFailure(ctx, "10.0.0.1", "bob")
	assert.Equal(t, 30*time.Minute, blockedFor)

	// The sixth attempt is rejected without reaching the credential check.
	retry, err := f.limiter.Check(ctx, "10.0.0.1", "bob")
	require.NoError(t, err)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 30*time.Minute)
}

func TestSuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.limiter.RecordFailure(ctx, "10.0.0.1", "bob")
	}
	f.limiter.RecordSuccess(ctx, "10.0.0.1", "bob")

	// A fresh run of five failures is required for a new block.
	for i := 0; i < 4; i++ {
		retry, err := f.limiter.Check(ctx, "10.0.0.1", "bob")
		require.NoError(t, err)
		assert.Zero(t, retry, "attempt %d after reset should be allowed", i+1)
		assert.Zero(t, f.limiter.RecordFailure(ctx, "10.0.0.1", "bob"))
	}
	assert.Greater(t, f.limiter.RecordFailure(ctx, "10.0.0.1", "bob"), time.Duration(0))
}

func TestLockoutExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.limiter.RecordFailure(ctx, "10.0.0.1", "bob")
	}
	retry, err := f.limiter.Check(ctx, "10.0.0.1", "bob")
	require.NoError(t, err)
	require.Greater(t, retry, time.Duration(0))

	// Past the block the key is allowed again with no other input. The
	// durable rows have also aged out of their 30 minute window.
	f.advance(31 * time.Minute)
	retry, err = f.limiter.Check(ctx, "10.0.0.1", "bob")
	require.NoError(t, err)
	assert.Zero(t, retry)
}

func TestWindowExpiryDropsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.limiter.RecordFailure(ctx, "10.0.0.1", "bob")
	}
	// The 15 minute tracking window rolls over with no block in place,
	// and the durable rows age out of their own window later.
	f.advance(31 * time.Minute)

	retry, err := f.limiter.Check(ctx, "10.0.0.1", "bob")
	require.NoError(t, err)
	assert.Zero(t, retry)
	assert.Zero(t, f.limiter.RecordFailure(ctx, "10.0.0.1", "bob"))
}

func TestDurableSignalSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.limiter.RecordFailure(ctx, "10.0.0.1", "bob")
	}

	// Simulate a process restart: fresh counters, same durable log.
	restarted := NewLoginLimiter(f.log, WithClock(func() time.Time { return *f.clock }))
	t.Cleanup(restarted.Close)

	retry, err := restarted.Check(ctx, "10.0.0.1", "bob")
	require.NoError(t, err)
	assert.Greater(t, retry, time.Duration(0))
}

func TestSeparateKeysDoNotInterfere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.limiter.RecordFailure(ctx, "10.0.0.1", "bob")
	}

	// Different IP and different username: the in-memory key differs and the
	// durable check matches neither the username nor the IP.
	retry, err := f.limiter.Check(ctx, "10.9.9.9", "alice")
	require.NoError(t, err)
	assert.Zero(t, retry)
}

func TestDurableLogOutageSurfacesError(t *testing.T) {
	f := newFixture(t)
	f.log.err = errors.New("storage unavailable")

	_, err := f.limiter.Check(context.Background(), "10.0.0.1", "bob")
	require.Error(t, err)
}

func TestAppendFailureDoesNotPanicOrBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.log.err = errors.New("storage unavailable")
	// Bookkeeping failures are swallowed; the counter still advances.
	for i := 0; i < 5; i++ {
		f.limiter.RecordFailure(ctx, "10.0.0.1", "bob")
	}
	f.log.err = nil

	retry, err := f.limiter.Check(ctx, "10.0.0.1", "bob")
	require.NoError(t, err)
	assert.Greater(t, retry, time.Duration(0), "in-memory block holds even if durable writes failed")
}
