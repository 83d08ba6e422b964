package admission

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBreakerStore emulates the breaker scripts over an in-memory hash.
type fakeBreakerStore struct {
	mu    sync.Mutex
	hash  map[string]map[string]string
}

func newFakeBreakerStore() *fakeBreakerStore {
	return &fakeBreakerStore{hash: make(map[string]map[string]string)}
}

func (f *fakeBreakerStore) get(key, field string) string {
	if h, ok := f.hash[key]; ok {
		return h[field]
	}
	return ""
}

func (f *fakeBreakerStore) set(key string, kv ...string) {
	if f.hash[key] == nil {
		f.hash[key] = make(map[string]string)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		f.hash[key][kv[i]] = kv[i+1]
	}
}

func (f *fakeBreakerStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keys[0]

	switch script {
	case acquireScript:
		state := f.get(key, "state")
		if state == "" || state == "closed" {
			return redis.NewCmdResult("closed", nil)
		}
		if state == "open" {
			opened, _ := strconv.ParseInt(f.get(key, "opened_at"), 10, 64)
			now := args[0].(int64)
			cooldown := args[1].(int64)
			if now-opened >= cooldown {
				f.set(key, "state", "half_open")
				return redis.NewCmdResult("trial", nil)
			}
			return redis.NewCmdResult("open", nil)
		}
		return redis.NewCmdResult("open", nil)

	case reportScript:
		state := f.get(key, "state")
		if state == "" {
			state = "closed"
		}
		if args[0].(string) == "success" {
			f.set(key, "state", "closed", "fails", "0")
			return redis.NewCmdResult("closed", nil)
		}
		now := strconv.FormatInt(args[1].(int64), 10)
		if state == "half_open" {
			f.set(key, "state", "open", "fails", "0", "opened_at", now)
			return redis.NewCmdResult("open", nil)
		}
		fails, _ := strconv.Atoi(f.get(key, "fails"))
		fails++
		f.set(key, "fails", strconv.Itoa(fails))
		if fails >= int(args[2].(int)) {
			f.set(key, "state", "open", "opened_at", now)
			return redis.NewCmdResult("open", nil)
		}
		return redis.NewCmdResult(state, nil)

	case stateScript:
		state := f.get(key, "state")
		if state == "" {
			return redis.NewCmdResult("closed", nil)
		}
		if state == "open" {
			opened, _ := strconv.ParseInt(f.get(key, "opened_at"), 10, 64)
			if args[0].(int64)-opened >= args[1].(int64) {
				return redis.NewCmdResult("half_open", nil)
			}
		}
		return redis.NewCmdResult(state, nil)
	}
	return redis.NewCmdResult(nil, errors.New("unknown script"))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errBoom = errors.New("boom")

func failingCall() error { return errBoom }

func TestBreakerOpensAtThreshold(t *testing.T) {
	store := newFakeBreakerStore()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(store, 3, 30*time.Second)
	b.now = clk.now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Do(ctx, "sms_provider", failingCall)
		assert.ErrorIs(t, err, errBoom)
	}

	// Threshold reached: calls short-circuit without invoking the
	// dependency.
	invoked := false
	err := b.Do(ctx, "sms_provider", func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)

	state, err := b.State(ctx, "sms_provider")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	store := newFakeBreakerStore()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(store, 2, 30*time.Second)
	b.now = clk.now
	ctx := context.Background()

	b.Do(ctx, "email_provider", failingCall)
	b.Do(ctx, "email_provider", failingCall)

	err := b.Do(ctx, "email_provider", func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clk.advance(31 * time.Second)

	// One trial call is allowed after the cooldown; success closes.
	invoked := false
	err = b.Do(ctx, "email_provider", func() error {
		invoked = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, invoked)

	state, err := b.State(ctx, "email_provider")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	store := newFakeBreakerStore()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(store, 2, 30*time.Second)
	b.now = clk.now
	ctx := context.Background()

	b.Do(ctx, "voice_provider", failingCall)
	b.Do(ctx, "voice_provider", failingCall)
	clk.advance(31 * time.Second)

	// Trial fails: back to open with a fresh cooldown.
	err := b.Do(ctx, "voice_provider", failingCall)
	assert.ErrorIs(t, err, errBoom)

	err = b.Do(ctx, "voice_provider", func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// The cooldown restarted, so just before it elapses calls still
	// short-circuit.
	clk.advance(29 * time.Second)
	err = b.Do(ctx, "voice_provider", func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerStates(t *testing.T) {
	store := newFakeBreakerStore()
	b := NewCircuitBreaker(store, 1, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, b.Do(ctx, "sms_provider", func() error { return nil }))
	b.Do(ctx, "email_provider", failingCall)

	states, err := b.States(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, states["sms_provider"])
	assert.Equal(t, StateOpen, states["email_provider"])
}
