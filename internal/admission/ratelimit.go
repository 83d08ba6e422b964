package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Class string

const (
	// ClassCritical covers SOS triggers and live-tracking subscribes and
	// carries a materially higher quota than the general API.
	ClassCritical Class = "critical"
	ClassStandard Class = "standard"
)

// RateLimitError is the typed rejection returned when an actor exhausts its
// quota. RetryAfter is the wait hint until the current window resets.
type RateLimitError struct {
	Actor      string
	Class      Class
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s class, retry after %ds",
		e.Actor, e.Class, int(e.RetryAfter.Seconds()))
}

// incrScript bumps the current window counter and returns it together with
// the previous window's count, in one atomic round trip.
const incrScript = `
local cur = redis.call('INCR', KEYS[1])
if cur == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
return {cur, prev}
`

type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RateLimiter is a sliding-window counter per (actor, class). Counters live
// in Redis so every instance sees the same budget; actor isolation falls out
// of the key construction.
type RateLimiter struct {
	rdb    Scripter
	window time.Duration
	quotas map[Class]int
	now    func() time.Time
}

func NewRateLimiter(rdb Scripter, window time.Duration, criticalQuota, standardQuota int) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		window: window,
		quotas: map[Class]int{
			ClassCritical: criticalQuota,
			ClassStandard: standardQuota,
		},
		now: time.Now,
	}
}

func rateKey(class Class, actor string, windowStart int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", class, actor, windowStart)
}

// Allow admits or rejects one call for the actor. The sliding window weighs
// the previous fixed window by its remaining overlap, which smooths the
// boundary burst a plain fixed window would allow.
//
// Rejected calls count toward the window too: an actor that keeps hammering
// past its quota keeps extending its own lockout instead of probing it away.
func (l *RateLimiter) Allow(ctx context.Context, actor string, class Class) error {
	quota, ok := l.quotas[class]
	if !ok {
		return fmt.Errorf("unknown endpoint class %q", class)
	}

	now := l.now()
	windowMs := l.window.Milliseconds()
	nowMs := now.UnixMilli()
	curStart := nowMs - nowMs%windowMs
	prevStart := curStart - windowMs

	res, err := l.rdb.Eval(ctx, incrScript,
		[]string{rateKey(class, actor, curStart), rateKey(class, actor, prevStart)},
		windowMs*2,
	).Result()
	if err != nil {
		return fmt.Errorf("failed to update rate counter: %w", err)
	}

	counts, ok := res.([]interface{})
	if !ok || len(counts) != 2 {
		return fmt.Errorf("unexpected script result %v", res)
	}
	cur, _ := counts[0].(int64)
	prev, _ := counts[1].(int64)

	elapsed := float64(nowMs-curStart) / float64(windowMs)
	weighted := float64(prev)*(1-elapsed) + float64(cur)

	if weighted > float64(quota) {
		retryAfter := time.Duration(windowMs-(nowMs-curStart)) * time.Millisecond
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return &RateLimitError{Actor: actor, Class: class, RetryAfter: retryAfter}
	}
	return nil
}
