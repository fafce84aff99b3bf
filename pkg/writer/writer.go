// Package writer applies enriched events to the metadata store.
//
// Writes are optimistic: compare-and-put on the snapshot version, with a
// small bounded re-read/re-merge/re-write loop on conflict. Contention
// beyond the bound surfaces as WriteError{PersistentConflict} so the
// dispatch layer can back off; it never deadlocks or spins.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/metagov-labs/lily/pkg/enrich"
	"github.com/metagov-labs/lily/pkg/metastore"
	"github.com/metagov-labs/lily/pkg/tenants"
)

// DefaultMaxConflictRetries bounds the internal CAS retry loop.
const DefaultMaxConflictRetries = 3

// Status is the outcome of an apply.
type Status string

const (
	// StatusApplied: the write succeeded and a change record was emitted.
	StatusApplied Status = "APPLIED"
	// StatusRejected: permanent refusal (deleted asset or tenant-isolation
	// violation). Dead-letter, never retry.
	StatusRejected Status = "REJECTED"
)

// Result reports an accepted or rejected apply.
type Result struct {
	Status     Status
	NewVersion int64
	Reason     string
}

// WriteErrorCode discriminates writer failures.
type WriteErrorCode string

// PersistentConflict means the CAS loop exhausted its retry budget. The
// caller should back off and redeliver.
const PersistentConflict WriteErrorCode = "PERSISTENT_CONFLICT"

// WriteError reports a failure that is the writer's own responsibility.
type WriteError struct {
	Code    WriteErrorCode
	AssetID string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write asset %s: %s", e.AssetID, e.Code)
}

// Writer owns all mutations of metadata records.
type Writer struct {
	store      metastore.Store
	enricher   *enrich.Enricher
	maxRetries int
	logger     *slog.Logger
}

func New(store metastore.Store, enricher *enrich.Enricher) *Writer {
	return &Writer{
		store:      store,
		enricher:   enricher,
		maxRetries: DefaultMaxConflictRetries,
		logger:     slog.Default().With("component", "writer"),
	}
}

// WithMaxConflictRetries overrides the CAS retry bound.
func (w *Writer) WithMaxConflictRetries(n int) *Writer {
	w.maxRetries = n
	return w
}

// Apply writes an enriched event. Tenant isolation is checked before any
// mutation: an event can never touch an asset its tenant does not own.
func (w *Writer) Apply(ctx context.Context, enriched *enrich.Enriched) (Result, error) {
	if err := tenants.CheckOwnership(enriched.Event.TenantID, enriched.Snapshot.TenantID); err != nil {
		return Result{Status: StatusRejected, Reason: err.Error()}, nil
	}
	if len(enriched.Changed) == 0 {
		// Nothing to write; treat as applied at the snapshot version so
		// redeliveries of no-op events stay idempotent.
		return Result{Status: StatusApplied, NewVersion: enriched.Snapshot.Version}, nil
	}

	current := enriched
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		rec := &metastore.Record{
			AssetID:    current.Snapshot.AssetID,
			AssetType:  current.Snapshot.AssetType,
			TenantID:   current.Snapshot.TenantID,
			Attributes: current.Attributes,
		}
		newVersion, err := w.store.CompareAndPut(ctx, rec, current.Snapshot.Version, current.Changed)
		switch {
		case err == nil:
			return Result{Status: StatusApplied, NewVersion: newVersion}, nil

		case errors.Is(err, metastore.ErrVersionConflict):
			w.logger.DebugContext(ctx, "write conflict, re-merging",
				"asset_id", rec.AssetID, "attempt", attempt+1)
			refreshed, eerr := w.enricher.Enrich(ctx, current.Event)
			if eerr != nil {
				var ee *enrich.EnrichmentError
				if errors.As(eerr, &ee) && !ee.Retryable() {
					return Result{Status: StatusRejected, Reason: ee.Error()}, nil
				}
				return Result{}, fmt.Errorf("re-enrich after conflict: %w", eerr)
			}
			if len(refreshed.Changed) == 0 {
				// A concurrent write already landed this event's effect.
				return Result{Status: StatusApplied, NewVersion: refreshed.Snapshot.Version}, nil
			}
			current = refreshed

		case errors.Is(err, metastore.ErrDeleted), errors.Is(err, metastore.ErrNotFound):
			return Result{Status: StatusRejected, Reason: err.Error()}, nil

		default:
			return Result{}, fmt.Errorf("compare-and-put: %w", err)
		}
	}

	return Result{}, &WriteError{Code: PersistentConflict, AssetID: current.Snapshot.AssetID}
}
