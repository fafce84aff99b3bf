// Package deadletter provides the durable quarantine for permanently failed
// or retry-exhausted items. Records are append-only; a dead-lettered item is
// never retried automatically, only replayed explicitly by resubmission to
// its originating stage's input queue.
package deadletter

import (
	"context"
	"errors"
	"time"
)

// Stage names items by the pipeline stage that quarantined them. Replay
// resubmits to the same stage's input queue.
const (
	StageInbound  = "inbound"
	StageWrite    = "write"
	StageChange   = "change"
	StageDispatch = "dispatch"
)

// Item is one quarantined payload.
type Item struct {
	ID         string     `json:"id"`
	Stage      string     `json:"stage"`
	TenantID   string     `json:"tenant_id"`
	Payload    []byte     `json:"payload"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// ErrNotFound is returned when no item exists for an id.
var ErrNotFound = errors.New("deadletter: item not found")

// maxListTime caps open-ended List ranges.
var maxListTime = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Store is the quarantine contract.
type Store interface {
	Append(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// List returns items for a tenant within [from, to), newest first.
	// A zero `to` means unbounded.
	List(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*Item, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// Enqueuer resubmits a payload to a stage input queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, body []byte) error
}

// Replayer resubmits quarantined items to their originating stage.
type Replayer struct {
	store  Store
	queues map[string]Enqueuer
	clock  func() time.Time
}

func NewReplayer(store Store, queues map[string]Enqueuer) *Replayer {
	return &Replayer{store: store, queues: queues, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *Replayer) WithClock(clock func() time.Time) *Replayer {
	r.clock = clock
	return r
}

// Replay resubmits the item's original payload to its stage queue and marks
// it replayed. The item stays in the store as an audit record.
func (r *Replayer) Replay(ctx context.Context, id string) error {
	item, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	q, ok := r.queues[item.Stage]
	if !ok {
		return errors.New("deadletter: no queue registered for stage " + item.Stage)
	}
	if err := q.Enqueue(ctx, item.Payload); err != nil {
		return err
	}
	return r.store.MarkReplayed(ctx, id, r.clock())
}
