package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var reserveScript = redis.NewScript(`
local existing = redis.call("HMGET", KEYS[1], "status", "outcome", "reserved_at")
if existing[1] then
  return {existing[1], existing[2] or "", existing[3] or ""}
end
redis.call("HSET", KEYS[1], "status", "in_flight", "reserved_at", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[3])
return {"fresh", "", ARGV[1]}
`)

var commitScript = redis.NewScript(`
redis.call("HSET", KEYS[1], "status", "completed", "outcome", ARGV[1])
if redis.call("HEXISTS", KEYS[1], "reserved_at") == 0 then
  redis.call("HSET", KEYS[1], "reserved_at", ARGV[3])
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[4])
return 1
`)

var releaseScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  redis.call("ZREM", KEYS[2], ARGV[1])
  return 1
end
if status ~= "in_flight" then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

// RedisLedger shares reservations across service replicas.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisLedger builds a ledger whose entries expire after ttl. The ttl must outlive the
// processor's own idempotency window.
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:payout_ledger"
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisLedger{client: client, prefix: trimmedPrefix, ttl: ttl, now: time.Now}
}

func (l *RedisLedger) entryKey(key string) string {
	return fmt.Sprintf("%s:key:%s", l.prefix, key)
}

func (l *RedisLedger) inFlightKey() string {
	return l.prefix + ":in_flight"
}

func (l *RedisLedger) Reserve(ctx context.Context, key string) (Reservation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Reservation{}, ErrKeyRequired
	}
	nowMs := l.now().UnixMilli()
	raw, err := reserveScript.Run(ctx, l.client,
		[]string{l.entryKey(key), l.inFlightKey()},
		nowMs, l.ttl.Milliseconds(), key,
	).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Reservation{}, fmt.Errorf("unexpected redis ledger response shape: %T", raw)
	}
	status, _ := values[0].(string)
	outcome, _ := values[1].(string)
	reservedAtRaw, _ := values[2].(string)

	res := Reservation{Status: Status(status), Outcome: Outcome(outcome)}
	if ms, parseErr := strconv.ParseInt(reservedAtRaw, 10, 64); parseErr == nil {
		res.ReservedAt = time.UnixMilli(ms)
	}
	switch res.Status {
	case StatusFresh, StatusInFlight, StatusCompleted:
		return res, nil
	default:
		return Reservation{}, fmt.Errorf("unexpected redis ledger status %q", status)
	}
}

func (l *RedisLedger) Commit(ctx context.Context, key string, outcome Outcome) error {
	err := commitScript.Run(ctx, l.client,
		[]string{l.entryKey(key), l.inFlightKey()},
		string(outcome), l.ttl.Milliseconds(), l.now().UnixMilli(), key,
	).Err()
	if err != nil {
		return fmt.Errorf("commit idempotency key: %w", err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	released, err := releaseScript.Run(ctx, l.client,
		[]string{l.entryKey(key), l.inFlightKey()},
		key,
	).Int()
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	if released == 0 {
		return ErrNotReserved
	}
	return nil
}

func (l *RedisLedger) Abandoned(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := l.now().Add(-olderThan).UnixMilli()
	keys, err := l.client.ZRangeByScore(ctx, l.inFlightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list abandoned idempotency keys: %w", err)
	}
	return keys, nil
}
