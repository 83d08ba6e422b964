package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScripter emulates the counter script: INCR on the first key, read of
// the second.
type fakeScripter struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{counters: make(map[string]int64)}
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[keys[0]]++
	cur := f.counters[keys[0]]
	prev := f.counters[keys[1]]
	return redis.NewCmdResult([]interface{}{cur, prev}, nil)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAllowWithinQuota(t *testing.T) {
	l := NewRateLimiter(newFakeScripter(), time.Minute, 10, 5)
	l.now = fixedClock(time.Unix(1_700_000_000, 0))

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(context.Background(), "actor-1", ClassStandard))
	}
}

func TestRejectOverQuotaWithRetryHint(t *testing.T) {
	l := NewRateLimiter(newFakeScripter(), time.Minute, 10, 3)
	l.now = fixedClock(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "actor-1", ClassStandard))
	}

	err := l.Allow(ctx, "actor-1", ClassStandard)
	require.Error(t, err)

	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "actor-1", rle.Actor)
	assert.Equal(t, ClassStandard, rle.Class)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rle.RetryAfter, time.Minute)
}

func TestRejectedCallsKeepCounting(t *testing.T) {
	store := newFakeScripter()
	l := NewRateLimiter(store, time.Minute, 10, 3)
	l.now = fixedClock(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "actor-1", ClassStandard))
	}

	// Hammering past the quota stays rejected and keeps feeding the
	// counter, so the lockout extends rather than drains.
	for i := 0; i < 5; i++ {
		assert.Error(t, l.Allow(ctx, "actor-1", ClassStandard))
	}

	var total int64
	store.mu.Lock()
	for _, n := range store.counters {
		total += n
	}
	store.mu.Unlock()
	assert.Equal(t, int64(8), total)
}

func TestActorIsolation(t *testing.T) {
	l := NewRateLimiter(newFakeScripter(), time.Minute, 10, 3)
	l.now = fixedClock(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	// Exhaust actor-1's quota.
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "actor-1", ClassStandard))
	}
	require.Error(t, l.Allow(ctx, "actor-1", ClassStandard))

	// actor-2's budget is untouched.
	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Allow(ctx, "actor-2", ClassStandard))
	}
}

func TestCriticalClassHasOwnQuota(t *testing.T) {
	l := NewRateLimiter(newFakeScripter(), time.Minute, 10, 2)
	l.now = fixedClock(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	// Standard quota exhausted for this actor...
	require.NoError(t, l.Allow(ctx, "actor-1", ClassStandard))
	require.NoError(t, l.Allow(ctx, "actor-1", ClassStandard))
	require.Error(t, l.Allow(ctx, "actor-1", ClassStandard))

	// ...but critical calls (SOS, subscribe) still go through.
	for i := 0; i < 10; i++ {
		assert.NoError(t, l.Allow(ctx, "actor-1", ClassCritical))
	}
	assert.Error(t, l.Allow(ctx, "actor-1", ClassCritical))
}
