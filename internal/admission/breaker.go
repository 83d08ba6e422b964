package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("dependency unavailable: circuit open")

const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// acquireScript decides whether a call may proceed. Returns "closed", "open"
// or "trial"; the transition Open -> HalfOpen happens here so that exactly
// one caller across all instances wins the trial slot.
const acquireScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'closed' then
	return 'closed'
end
if state == 'open' then
	local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
	if tonumber(ARGV[1]) - opened >= tonumber(ARGV[2]) then
		redis.call('HSET', KEYS[1], 'state', 'half_open')
		return 'trial'
	end
	return 'open'
end
return 'open'
`

// reportScript records the call outcome. A half-open trial failure reopens
// the breaker and restarts the cooldown; reaching the failure threshold in
// closed state opens it.
const reportScript = `
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if ARGV[1] == 'success' then
	redis.call('HSET', KEYS[1], 'state', 'closed', 'fails', 0)
	return 'closed'
end
if state == 'half_open' then
	redis.call('HSET', KEYS[1], 'state', 'open', 'fails', 0, 'opened_at', ARGV[2])
	return 'open'
end
local fails = redis.call('HINCRBY', KEYS[1], 'fails', 1)
if fails >= tonumber(ARGV[3]) then
	redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2])
	return 'open'
end
return state
`

const stateScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'closed'
end
if state == 'open' then
	local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
	if tonumber(ARGV[1]) - opened >= tonumber(ARGV[2]) then
		return 'half_open'
	end
end
return state
`

// CircuitBreaker guards calls to external dependencies. State is shared via
// Redis so a channel that melted down on one instance is short-circuited on
// all of them, keeping retry capacity for the healthy channels.
type CircuitBreaker struct {
	rdb       Scripter
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu   sync.Mutex
	deps map[string]struct{}
}

func NewCircuitBreaker(rdb Scripter, threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		rdb:       rdb,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		deps:      make(map[string]struct{}),
	}
}

func breakerKey(dep string) string {
	return fmt.Sprintf("cb:%s", dep)
}

func (b *CircuitBreaker) track(dep string) {
	b.mu.Lock()
	b.deps[dep] = struct{}{}
	b.mu.Unlock()
}

// Do runs fn behind the breaker for the named dependency. When the breaker
// is open the call short-circuits with ErrCircuitOpen and fn is never
// invoked.
func (b *CircuitBreaker) Do(ctx context.Context, dep string, fn func() error) error {
	b.track(dep)

	res, err := b.rdb.Eval(ctx, acquireScript,
		[]string{breakerKey(dep)},
		b.now().UnixMilli(),
		b.cooldown.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to read breaker state: %w", err)
	}

	decision, _ := res.(string)
	if decision == "open" {
		return fmt.Errorf("%s: %w", dep, ErrCircuitOpen)
	}

	callErr := fn()

	outcome := "success"
	if callErr != nil {
		outcome = "failure"
	}
	if _, err := b.rdb.Eval(ctx, reportScript,
		[]string{breakerKey(dep)},
		outcome,
		b.now().UnixMilli(),
		b.threshold,
	).Result(); err != nil {
		return fmt.Errorf("failed to record breaker outcome: %w", err)
	}

	return callErr
}

func (b *CircuitBreaker) State(ctx context.Context, dep string) (string, error) {
	res, err := b.rdb.Eval(ctx, stateScript,
		[]string{breakerKey(dep)},
		b.now().UnixMilli(),
		b.cooldown.Milliseconds(),
	).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read breaker state: %w", err)
	}

	switch res {
	case "open":
		return StateOpen, nil
	case "half_open":
		return StateHalfOpen, nil
	default:
		return StateClosed, nil
	}
}

// States reports every dependency this process has guarded, for the health
// endpoint.
func (b *CircuitBreaker) States(ctx context.Context) (map[string]string, error) {
	b.mu.Lock()
	names := make([]string, 0, len(b.deps))
	for dep := range b.deps {
		names = append(names, dep)
	}
	b.mu.Unlock()
	sort.Strings(names)

	states := make(map[string]string, len(names))
	for _, dep := range names {
		s, err := b.State(ctx, dep)
		if err != nil {
			return nil, err
		}
		states[dep] = s
	}
	return states, nil
}
