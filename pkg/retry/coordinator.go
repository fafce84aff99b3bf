// Package retry owns the delivery-attempt lifecycle. Every outcome a
// connector produces flows through the coordinator, which is the only code
// allowed to transition attempt state or decide that an item is dead.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/metagov-labs/lily/pkg/deadletter"
)

// DefaultMaxAttempts bounds transient retries before dead-lettering.
const DefaultMaxAttempts = 5

// State of a delivery attempt. Transitions are linear: pending → in_flight →
// one of succeeded / pending (retry) / dead_lettered.
type State string

const (
	StatePending      State = "pending"
	StateInFlight     State = "in_flight"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead_lettered"
)

// Outcome classifies a delivery result.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Attempt tracks one item's delivery to one target.
type Attempt struct {
	TargetID      string
	ItemID        string
	AttemptNumber int
	State         State
	NextRetryAt   time.Time
	LastError     string
}

// Decision tells the caller what to do with the item next.
type Decision struct {
	State       State
	NextRetryAt time.Time // set only when State is StatePending
}

// Coordinator applies the retry policy to delivery outcomes and hands
// exhausted or permanently failed items to the dead-letter store.
type Coordinator struct {
	mu          sync.Mutex
	policy      Policy
	maxAttempts int
	attempts    map[string]*Attempt
	letters     deadletter.Store
	clock       func() time.Time
	logger      *slog.Logger
}

func NewCoordinator(letters deadletter.Store) *Coordinator {
	return &Coordinator{
		policy:      DefaultPolicy,
		maxAttempts: DefaultMaxAttempts,
		attempts:    make(map[string]*Attempt),
		letters:     letters,
		clock:       time.Now,
		logger:      slog.Default().With("component", "retry-coordinator"),
	}
}

// WithPolicy overrides the backoff policy.
func (c *Coordinator) WithPolicy(p Policy) *Coordinator {
	c.policy = p
	return c
}

// WithMaxAttempts overrides the attempt cap.
func (c *Coordinator) WithMaxAttempts(n int) *Coordinator {
	c.maxAttempts = n
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Begin marks a delivery in flight and returns its attempt, creating it on
// first sight. Call once per try, before the connector.
func (c *Coordinator) Begin(targetID, itemID string) *Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := attemptKey(targetID, itemID)
	att, ok := c.attempts[key]
	if !ok {
		att = &Attempt{TargetID: targetID, ItemID: itemID, State: StatePending}
		c.attempts[key] = att
	}
	att.AttemptNumber++
	att.State = StateInFlight
	return att
}

// RecordOutcome transitions the attempt per the outcome and returns the
// decision. Transient failures retry with backoff until the cap, then
// dead-letter; permanent failures dead-letter immediately. payload and
// tenantID feed the dead-letter record when one is written.
func (c *Coordinator) RecordOutcome(ctx context.Context, targetID, itemID string, outcome Outcome, reason string, tenantID string, payload []byte) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := attemptKey(targetID, itemID)
	att, ok := c.attempts[key]
	if !ok {
		return Decision{}, fmt.Errorf("retry: no attempt in flight for %s", key)
	}
	att.LastError = reason

	switch outcome {
	case OutcomeSuccess:
		att.State = StateSucceeded
		delete(c.attempts, key)
		return Decision{State: StateSucceeded}, nil

	case OutcomeTransient:
		if att.AttemptNumber >= c.maxAttempts {
			return c.deadLetter(ctx, key, att, tenantID, payload,
				fmt.Sprintf("retries exhausted after %d attempts: %s", att.AttemptNumber, reason))
		}
		att.State = StatePending
		att.NextRetryAt = c.policy.NextRetryAt(c.clock(), att.AttemptNumber)
		c.logger.DebugContext(ctx, "delivery retry scheduled",
			"target_id", targetID, "item_id", itemID,
			"attempt", att.AttemptNumber, "next_retry_at", att.NextRetryAt)
		return Decision{State: StatePending, NextRetryAt: att.NextRetryAt}, nil

	case OutcomePermanent:
		return c.deadLetter(ctx, key, att, tenantID, payload, reason)

	default:
		return Decision{}, fmt.Errorf("retry: unknown outcome %q", outcome)
	}
}

// Attempt returns a copy of the tracked attempt, if any.
func (c *Coordinator) Attempt(targetID, itemID string) (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	att, ok := c.attempts[attemptKey(targetID, itemID)]
	if !ok {
		return Attempt{}, false
	}
	return *att, true
}

// AttemptsFor returns copies of every tracked attempt for an item across all
// targets, for status queries.
func (c *Coordinator) AttemptsFor(itemID string) []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Attempt
	for _, att := range c.attempts {
		if att.ItemID == itemID {
			out = append(out, *att)
		}
	}
	return out
}

func (c *Coordinator) deadLetter(ctx context.Context, key string, att *Attempt, tenantID string, payload []byte, reason string) (Decision, error) {
	att.State = StateDeadLettered
	item := &deadletter.Item{
		ID:        key,
		Stage:     deadletter.StageDispatch,
		TenantID:  tenantID,
		Payload:   payload,
		Reason:    reason,
		CreatedAt: c.clock(),
	}
	if err := c.letters.Append(ctx, item); err != nil {
		// Keep the attempt so the caller can re-drive the outcome; losing
		// the item silently is worse than a duplicate dead letter.
		att.State = StateFailed
		return Decision{}, fmt.Errorf("dead-letter %s: %w", key, err)
	}
	delete(c.attempts, key)
	c.logger.WarnContext(ctx, "delivery dead-lettered",
		"target_id", att.TargetID, "item_id", att.ItemID,
		"attempts", att.AttemptNumber, "reason", reason)
	return Decision{State: StateDeadLettered}, nil
}

func attemptKey(targetID, itemID string) string {
	return targetID + "/" + itemID
}
