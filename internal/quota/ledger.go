// Package quota bounds how many gated actions one identity may take per UTC
// day. Windows live in Redis hashes keyed by (identity, day); a window is
// never reset in place, the next day simply uses a new key.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const windowKeyPrefix = "quota:"

// ExceededError is returned when the identity has used its whole allowance.
type ExceededError struct {
	Identity  string
	Limit     int64
	NextReset time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (limit %d), resets at %s",
		e.Identity, e.Limit, e.NextReset.Format(time.RFC3339))
}

// IsExceeded reports whether err is (or wraps) an *ExceededError.
func IsExceeded(err error) bool {
	var qe *ExceededError
	return errors.As(err, &qe)
}

// Window is the persisted counter for one identity and one UTC day.
type Window struct {
	Identity    string
	WindowStart time.Time
	Consumed    int64
	Limit       int64
}

// Remaining is limit minus consumed, floored at zero.
func (w Window) Remaining() int64 {
	if r := w.Limit - w.Consumed; r > 0 {
		return r
	}
	return 0
}

// Reservation is one consumed unit; pass it back to Release to undo it.
type Reservation struct {
	Identity    string
	WindowStart time.Time
	Consumed    int64 // count after this reservation
	Limit       int64
}

// reserveScript increments consumed only while it is below the limit. The
// limit recorded on the window is the one in force when it was last touched.
//
// KEYS[1] window key; ARGV[1] limit; ARGV[2] window start (unix); ARGV[3] identity
// returns {1, consumed} when reserved, {0, consumed} when exhausted.
var reserveScript = redis.NewScript(`
local consumed = tonumber(redis.call('HGET', KEYS[1], 'consumed') or '0')
local limit = tonumber(ARGV[1])
if consumed >= limit then
  return {0, consumed}
end
consumed = redis.call('HINCRBY', KEYS[1], 'consumed', 1)
redis.call('HSET', KEYS[1], 'limit', ARGV[1], 'window_start', ARGV[2], 'identity', ARGV[3])
return {1, consumed}
`)

// releaseScript decrements consumed, never below zero.
var releaseScript = redis.NewScript(`
local consumed = tonumber(redis.call('HGET', KEYS[1], 'consumed') or '0')
if consumed <= 0 then
  return 0
end
return redis.call('HINCRBY', KEYS[1], 'consumed', -1)
`)

// Ledger is the Redis-backed quota store.
type Ledger struct {
	rdb *redis.Client
	now func() time.Time
}

// NewLedger returns a ledger using the wall clock.
func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb, now: time.Now}
}

// WithClock overrides the clock (tests, replays).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WindowStart is midnight UTC of the day containing t.
func WindowStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextReset is the first UTC midnight strictly after t.
func NextReset(t time.Time) time.Time {
	return WindowStart(t).AddDate(0, 0, 1)
}

func windowKey(identity string, start time.Time) string {
	return windowKeyPrefix + strings.ToLower(identity) + ":" + start.Format("2006-01-02")
}

// Reserve atomically takes one unit from the identity's current window.
// It returns *ExceededError when nothing is left.
func (l *Ledger) Reserve(ctx context.Context, identity string, limit int64) (*Reservation, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("quota: limit must be positive, got %d", limit)
	}
	now := l.now()
	start := WindowStart(now)
	res, err := reserveScript.Run(ctx, l.rdb,
		[]string{windowKey(identity, start)},
		limit, start.Unix(), strings.ToLower(identity),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if res[0] == 0 {
		return nil, &ExceededError{Identity: identity, Limit: limit, NextReset: NextReset(now)}
	}
	return &Reservation{
		Identity:    identity,
		WindowStart: start,
		Consumed:    res[1],
		Limit:       limit,
	}, nil
}

// Release returns a unit to the window it was taken from, even if the day
// has rolled over since.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{windowKey(r.Identity, r.WindowStart)}).Err(); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// Peek reports the identity's current window without reserving. A window
// that does not exist yet reads as zero consumed.
func (l *Ledger) Peek(ctx context.Context, identity string, limit int64) (Window, error) {
	start := WindowStart(l.now())
	w, err := l.Get(ctx, identity, start)
	if err != nil {
		return Window{}, err
	}
	if w == nil {
		return Window{Identity: strings.ToLower(identity), WindowStart: start, Limit: limit}, nil
	}
	w.Limit = limit
	return *w, nil
}

// Get loads the window for a specific day; nil when it was never created.
func (l *Ledger) Get(ctx context.Context, identity string, start time.Time) (*Window, error) {
	vals, err := l.rdb.HGetAll(ctx, windowKey(identity, WindowStart(start))).Result()
	if err != nil {
		return nil, fmt.Errorf("get quota window: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return windowFromMap(identity, WindowStart(start), vals), nil
}

// CheckPeek turns a Peek result into an *ExceededError when exhausted.
func (l *Ledger) CheckPeek(ctx context.Context, identity string, limit int64) (Window, error) {
	w, err := l.Peek(ctx, identity, limit)
	if err != nil {
		return w, err
	}
	if w.Remaining() == 0 {
		return w, &ExceededError{Identity: identity, Limit: limit, NextReset: NextReset(w.WindowStart)}
	}
	return w, nil
}

func windowFromMap(identity string, start time.Time, m map[string]string) *Window {
	consumed, _ := strconv.ParseInt(m["consumed"], 10, 64)
	limit, _ := strconv.ParseInt(m["limit"], 10, 64)
	return &Window{
		Identity:    strings.ToLower(identity),
		WindowStart: start,
		Consumed:    consumed,
		Limit:       limit,
	}
}
