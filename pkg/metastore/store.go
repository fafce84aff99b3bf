// Package metastore holds the versioned metadata records for governed assets
// and the change stream their mutations feed.
//
// Writes use optimistic concurrency: a compare-and-put conditioned on the
// record version. Every accepted write emits a ChangeRecord in the same
// transaction, so a reader can never observe a version without eventually
// observing its change record, nor the reverse (outbox pattern).
package metastore

import (
	"context"
	"errors"
	"time"
)

// Record is one governed asset's state. Owned exclusively by the metadata
// writer; downstream stages read it via the change stream and Get.
type Record struct {
	AssetID    string            `json:"asset_id"`
	AssetType  string            `json:"asset_type"`
	TenantID   string            `json:"tenant_id"`
	Attributes map[string]string `json:"attributes"`
	Version    int64             `json:"version"`
	UpdatedAt  time.Time         `json:"updated_at"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the asset has been soft-deleted.
func (r *Record) Deleted() bool { return r.DeletedAt != nil }

// Clone returns a deep copy so callers can mutate attribute maps freely.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Attributes = make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		cp.Attributes[k] = v
	}
	return &cp
}

// ChangeRecord is emitted once per accepted mutation. Seq is the stream
// position consumers track their cursor against.
type ChangeRecord struct {
	Seq               int64     `json:"seq"`
	AssetID           string    `json:"asset_id"`
	TenantID          string    `json:"tenant_id"`
	PreviousVersion   int64     `json:"previous_version"`
	NewVersion        int64     `json:"new_version"`
	ChangedAttributes []string  `json:"changed_attributes"`
	EmittedAt         time.Time `json:"emitted_at"`
}

var (
	// ErrNotFound is returned when no record exists for the asset.
	ErrNotFound = errors.New("metastore: record not found")
	// ErrVersionConflict is returned when a compare-and-put lost the race:
	// the stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("metastore: version conflict")
	// ErrDeleted is returned when the asset has been soft-deleted.
	ErrDeleted = errors.New("metastore: record deleted")
)

// Store is the metadata store contract.
type Store interface {
	// Get returns the current record. ErrNotFound if absent, ErrDeleted if
	// soft-deleted.
	Get(ctx context.Context, tenantID, assetID string) (*Record, error)

	// Register creates an asset skeleton at version 0 without emitting a
	// change record. Used by asset sync; idempotent.
	Register(ctx context.Context, rec *Record) error

	// CompareAndPut replaces the record's attributes conditioned on
	// expectedVersion. On success the version increments by exactly one and
	// a ChangeRecord listing changed is emitted transactionally; the stored
	// new version is returned. ErrVersionConflict when the condition fails,
	// ErrNotFound / ErrDeleted when the asset is absent or deleted.
	CompareAndPut(ctx context.Context, rec *Record, expectedVersion int64, changed []string) (int64, error)

	// Delete soft-deletes the asset and emits a final ChangeRecord.
	Delete(ctx context.Context, tenantID, assetID string) error

	// Changes returns up to limit change records with Seq > afterSeq, in
	// ascending Seq order.
	Changes(ctx context.Context, afterSeq int64, limit int) ([]ChangeRecord, error)

	// Cursor returns the persisted stream position for a named consumer,
	// zero if the consumer has never committed one.
	Cursor(ctx context.Context, consumer string) (int64, error)

	// SaveCursor persists the stream position for a named consumer.
	SaveCursor(ctx context.Context, consumer string, seq int64) error
}
