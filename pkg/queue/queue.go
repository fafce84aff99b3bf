// Package queue provides the durable stage queues the pipeline workers pull
// from. Delivery is at-least-once: a received message stays invisible until
// acked; nacked or abandoned messages become eligible for redelivery with an
// incremented attempt count.
package queue

import (
	"context"
	"errors"
	"time"
)

// Message is one queued payload.
type Message struct {
	ID      string
	Body    []byte
	Attempt int
	// receipt is backend-specific redelivery bookkeeping.
	receipt string
}

// ErrEmpty is returned by Receive when the poll window elapses with no
// message available.
var ErrEmpty = errors.New("queue: no message available")

// Queue is the stage queue contract.
type Queue interface {
	// Enqueue appends a payload for delivery.
	Enqueue(ctx context.Context, body []byte) error

	// EnqueueAt appends a payload that becomes visible at the given time.
	// Used by the retry coordinator to schedule backoff redeliveries.
	EnqueueAt(ctx context.Context, body []byte, visibleAt time.Time) error

	// Receive blocks until a message is available, the poll window elapses
	// (ErrEmpty), or ctx is done.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)

	// Ack removes a received message permanently.
	Ack(ctx context.Context, msg *Message) error

	// Nack returns a received message to the queue for redelivery.
	Nack(ctx context.Context, msg *Message) error
}
