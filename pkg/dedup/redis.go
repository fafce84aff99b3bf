package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores claims as keys with a native TTL, so retention eviction
// needs no sweeper. SET NX is the atomic claim primitive: exactly one caller
// creates the key.
type RedisLedger struct {
	client    *redis.Client
	retention time.Duration
	prefix    string
}

func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	return &RedisLedger{client: client, retention: retention, prefix: "dedup"}
}

func (l *RedisLedger) key(k Key) string {
	return fmt.Sprintf("%s:%s:%s:%s", l.prefix, k.Source, k.TenantID, k.EventID)
}

func (l *RedisLedger) Claim(ctx context.Context, key Key) (Result, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), "claimed", l.retention).Result()
	if err != nil {
		return "", fmt.Errorf("dedup claim: %w", err)
	}
	if ok {
		return Accepted, nil
	}
	return Duplicate, nil
}

func (l *RedisLedger) Release(ctx context.Context, key Key) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

func (l *RedisLedger) RecordOutcome(ctx context.Context, key Key, outcome string) error {
	// KEEPTTL preserves the retention window set at claim time.
	err := l.client.SetArgs(ctx, l.key(key), outcome, redis.SetArgs{KeepTTL: true, Mode: "XX"}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("dedup record outcome: %w", err)
	}
	return nil
}

// Seen reports whether a live claim exists for the key. Expired keys are
// gone natively, so existence is the whole check.
func (l *RedisLedger) Seen(ctx context.Context, key Key) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup seen: %w", err)
	}
	return n > 0, nil
}

// Outcome returns the stored value for a key ("claimed" until a terminal
// outcome is recorded).
func (l *RedisLedger) Outcome(ctx context.Context, key Key) (string, bool, error) {
	val, err := l.client.Get(ctx, l.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
