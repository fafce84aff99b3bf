// Package enrich augments canonical events with repository context before
// they reach the metadata writer.
//
// The merge itself is a pure function of (event, asset snapshot); the only
// boundary call is the read-only asset lookup. Enrichment never mutates the
// store.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/metagov-labs/lily/pkg/envelope"
	"github.com/metagov-labs/lily/pkg/inbound"
	"github.com/metagov-labs/lily/pkg/metastore"
)

// EnrichmentErrorCode discriminates enrichment failures.
type EnrichmentErrorCode string

const (
	// AssetNotFound is retryable for a bounded window: the asset may not
	// have been synced into the repository yet.
	AssetNotFound EnrichmentErrorCode = "ASSET_NOT_FOUND"
	// AssetDeleted is permanent.
	AssetDeleted EnrichmentErrorCode = "ASSET_DELETED"
)

// EnrichmentError reports a failed asset lookup.
type EnrichmentError struct {
	Code    EnrichmentErrorCode
	AssetID string
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich asset %s: %s", e.AssetID, e.Code)
}

// Retryable reports whether the failure may resolve on redelivery.
func (e *EnrichmentError) Retryable() bool { return e.Code == AssetNotFound }

// Enriched is an event merged with its asset snapshot, ready for writing.
type Enriched struct {
	Event *envelope.Event
	// Snapshot is the asset state the merge was computed against; its
	// Version is the writer's compare-and-put condition.
	Snapshot *metastore.Record
	// Attributes is the full merged attribute set.
	Attributes map[string]string
	// Changed lists the attribute names whose values differ from the
	// snapshot, sorted for deterministic change records.
	Changed []string
}

// Enricher looks up asset snapshots and applies the merge.
type Enricher struct {
	store metastore.Store
}

func NewEnricher(store metastore.Store) *Enricher {
	return &Enricher{store: store}
}

// Enrich resolves the event's asset reference and merges incident context
// into the asset's attribute view.
func (e *Enricher) Enrich(ctx context.Context, ev *envelope.Event) (*Enriched, error) {
	var payload inbound.QualityPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode quality payload: %w", err)
	}

	snapshot, err := e.store.Get(ctx, ev.TenantID, payload.AssetID)
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, &EnrichmentError{Code: AssetNotFound, AssetID: payload.AssetID}
	}
	if errors.Is(err, metastore.ErrDeleted) {
		return nil, &EnrichmentError{Code: AssetDeleted, AssetID: payload.AssetID}
	}
	if err != nil {
		return nil, fmt.Errorf("asset lookup: %w", err)
	}
	return Merge(ev, &payload, snapshot), nil
}

// Merge computes the enriched attribute set. Pure: neither input is mutated.
func Merge(ev *envelope.Event, payload *inbound.QualityPayload, snapshot *metastore.Record) *Enriched {
	merged := make(map[string]string, len(snapshot.Attributes)+8)
	for k, v := range snapshot.Attributes {
		merged[k] = v
	}

	status := "issue"
	if ev.Type == envelope.TypeQualityResolved {
		status = "resolved"
	}
	merged["quality.status"] = status
	merged["quality.severity"] = payload.Severity
	merged["quality.category"] = payload.Category
	merged["quality.last_incident"] = payload.ExternalID
	if payload.Description != "" {
		merged["quality.description"] = payload.Description
	}
	if payload.DetectedAt != "" {
		merged["quality.detected_at"] = payload.DetectedAt
	}

	var changed []string
	for k, v := range merged {
		if prev, ok := snapshot.Attributes[k]; !ok || prev != v {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)

	return &Enriched{
		Event:      ev,
		Snapshot:   snapshot,
		Attributes: merged,
		Changed:    changed,
	}
}
