package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a durable queue on a redis list, with an in-flight list for
// at-least-once redelivery and a sorted set for delayed visibility.
//
// Keys:
//
//	<name>:ready      list of wire-encoded messages
//	<name>:inflight   list of messages received but not yet acked
//	<name>:delayed    zset scored by visibility time (unix millis)
type RedisQueue struct {
	client *redis.Client
	name   string
	clock  func() time.Time
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name, clock: time.Now}
}

type wireMessage struct {
	ID      string `json:"id"`
	Body    []byte `json:"body"`
	Attempt int    `json:"attempt"`
}

func (q *RedisQueue) readyKey() string    { return q.name + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.name + ":inflight" }
func (q *RedisQueue) delayedKey() string  { return q.name + ":delayed" }

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) error {
	raw, err := encodeWire(body, 0)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) EnqueueAt(ctx context.Context, body []byte, visibleAt time.Time) error {
	if visibleAt.IsZero() || !visibleAt.After(q.clock()) {
		return q.Enqueue(ctx, body)
	}
	raw, err := encodeWire(body, 0)
	if err != nil {
		return err
	}
	err = q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue enqueue delayed: %w", err)
	}
	return nil
}

func encodeWire(body []byte, attempt int) (string, error) {
	raw, err := json.Marshal(wireMessage{ID: uuid.NewString(), Body: body, Attempt: attempt})
	if err != nil {
		return "", fmt.Errorf("queue encode: %w", err)
	}
	return string(raw), nil
}

// promoteDelayed moves due delayed messages onto the ready list.
var promoteDelayed = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for i, member in ipairs(due) do
    redis.call("ZREM", KEYS[1], member)
    redis.call("LPUSH", KEYS[2], member)
end
return #due
`)

func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	now := strconv.FormatInt(q.clock().UnixMilli(), 10)
	if err := promoteDelayed.Run(ctx, q.client,
		[]string{q.delayedKey(), q.readyKey()}, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue promote delayed: %w", err)
	}

	raw, err := q.client.BRPopLPush(ctx, q.readyKey(), q.inflightKey(), wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue receive: %w", err)
	}

	var wm wireMessage
	if err := json.Unmarshal([]byte(raw), &wm); err != nil {
		// Drop the unparseable entry so it cannot wedge the queue.
		_ = q.client.LRem(ctx, q.inflightKey(), 1, raw).Err()
		return nil, fmt.Errorf("queue decode: %w", err)
	}
	return &Message{ID: wm.ID, Body: wm.Body, Attempt: wm.Attempt, receipt: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	if err := q.client.LRem(ctx, q.inflightKey(), 1, msg.receipt).Err(); err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(wireMessage{ID: msg.ID, Body: msg.Body, Attempt: msg.Attempt + 1})
	if err != nil {
		return fmt.Errorf("queue nack encode: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.inflightKey(), 1, msg.receipt)
	pipe.LPush(ctx, q.readyKey(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue nack: %w", err)
	}
	return nil
}
