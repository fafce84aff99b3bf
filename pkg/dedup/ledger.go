// Package dedup provides the deduplication ledger: a claim-once record of
// processed event identities that makes at-least-once stages idempotent.
//
// Claims are keyed by (source, tenant_id, event_id). Exactly one concurrent
// claimant receives Accepted; everyone else gets Duplicate. Entries expire
// after a retention window, so the guarantee is bounded-tolerance redelivery,
// not unbounded exactly-once.
package dedup

import (
	"context"
	"time"
)

// Result is the outcome of a claim.
type Result string

const (
	Accepted  Result = "ACCEPTED"
	Duplicate Result = "DUPLICATE"
)

// Key identifies one processed occurrence.
type Key struct {
	Source   string
	TenantID string
	EventID  string
}

// Ledger is the claim-once contract shared by the inbound path and the
// change detector.
type Ledger interface {
	// Claim atomically records the key. The first caller within the
	// retention window gets Accepted and the exclusive right to process;
	// concurrent or later claims get Duplicate. A claim for an entry that
	// aged out of retention is Accepted again.
	Claim(ctx context.Context, key Key) (Result, error)

	// Release removes a claim so a redelivery can claim again. Called when
	// processing ends in a retryable error before any terminal outcome.
	Release(ctx context.Context, key Key) error

	// RecordOutcome stores the terminal outcome (applied, rejected,
	// dead_lettered) against an existing claim for later status queries.
	RecordOutcome(ctx context.Context, key Key, outcome string) error

	// Seen reports whether a live claim exists for the key without taking
	// one. Readers that claim only after a successful handoff use this to
	// skip work that already completed.
	Seen(ctx context.Context, key Key) (bool, error)
}

// Sweeper is implemented by ledgers that need explicit eviction of entries
// past the retention window (the redis backend expires keys natively).
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}
