// Package change consumes the metadata store's change stream and decides
// which changes are worth propagating downstream.
//
// Three independent filters guard the outbound path: a relevance filter on
// changed attribute names, a per-asset high watermark against out-of-order
// redelivery, and a dedup claim on (asset, version) recorded at commit time
// so replays of already-handled changes are absorbed. A change is only
// committed after its derived work is handed off, which keeps the stream
// at-least-once across crashes.
package change

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/metagov-labs/lily/pkg/dedup"
	"github.com/metagov-labs/lily/pkg/metastore"
)

// StreamSource is the dedup key namespace for change-stream claims, keeping
// them apart from inbound event claims in a shared ledger.
const StreamSource = "change_stream"

// Detector polls the change stream from a persisted cursor and emits the
// relevant, in-order, not-yet-seen subset.
type Detector struct {
	store    metastore.Store
	ledger   dedup.Ledger
	wm       *Watermark
	relevant map[string]struct{}
	consumer string
	logger   *slog.Logger
}

// NewDetector builds a detector. consumer names the cursor row in the store;
// relevant lists the attribute names whose changes matter to policy.
func NewDetector(store metastore.Store, ledger dedup.Ledger, wm *Watermark, consumer string, relevant []string) *Detector {
	set := make(map[string]struct{}, len(relevant))
	for _, attr := range relevant {
		set[attr] = struct{}{}
	}
	return &Detector{
		store:    store,
		ledger:   ledger,
		wm:       wm,
		relevant: set,
		consumer: consumer,
		logger:   slog.Default().With("component", "change-detector"),
	}
}

// Relevant reports whether any changed attribute is in the configured set.
// Pure over its inputs; the same change always classifies the same way.
func (d *Detector) Relevant(changed []string) bool {
	for _, attr := range changed {
		if _, ok := d.relevant[attr]; ok {
			return true
		}
	}
	return false
}

// Poll reads up to limit changes past the persisted cursor and returns the
// relevant, in-order, not-yet-committed subset plus the last fetched stream
// position. Poll itself persists nothing: the caller must Commit each change
// after handing it off downstream, then Advance past the batch, so a change
// that fails between poll and handoff is re-polled instead of lost.
func (d *Detector) Poll(ctx context.Context, limit int) ([]metastore.ChangeRecord, int64, error) {
	cursor, err := d.store.Cursor(ctx, d.consumer)
	if err != nil {
		return nil, 0, fmt.Errorf("load cursor: %w", err)
	}
	changes, err := d.store.Changes(ctx, cursor, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("read change stream: %w", err)
	}
	if len(changes) == 0 {
		return nil, 0, nil
	}

	var out []metastore.ChangeRecord
	batchHigh := make(map[string]int64)
	for _, cr := range changes {
		if !d.Relevant(cr.ChangedAttributes) {
			continue
		}
		high, tracked := batchHigh[cr.AssetID]
		if cur, ok := d.wm.Current(cr.AssetID); ok && cur > high {
			high, tracked = cur, true
		}
		if tracked && cr.NewVersion <= high {
			d.logger.DebugContext(ctx, "discarding late change",
				"asset_id", cr.AssetID, "version", cr.NewVersion)
			continue
		}
		seen, err := d.ledger.Seen(ctx, d.claimKey(cr))
		if err != nil {
			return nil, 0, fmt.Errorf("check change %s@%d: %w", cr.AssetID, cr.NewVersion, err)
		}
		if seen {
			continue
		}
		batchHigh[cr.AssetID] = cr.NewVersion
		out = append(out, cr)
	}
	return out, changes[len(changes)-1].Seq, nil
}

// Commit records a change as fully handed off: the ledger claim absorbs
// replays, the watermark advances, and the cursor moves past the change.
// Call only after the change's derived work is durably enqueued.
func (d *Detector) Commit(ctx context.Context, cr metastore.ChangeRecord) error {
	if _, err := d.ledger.Claim(ctx, d.claimKey(cr)); err != nil {
		return fmt.Errorf("claim change %s@%d: %w", cr.AssetID, cr.NewVersion, err)
	}
	d.wm.Observe(cr.AssetID, cr.NewVersion)
	if err := d.store.SaveCursor(ctx, d.consumer, cr.Seq); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Advance moves the cursor past trailing filtered-out changes so a quiet
// stream is not refetched forever. Call only after every change Poll
// returned for the batch has been committed.
func (d *Detector) Advance(ctx context.Context, seq int64) error {
	if err := d.store.SaveCursor(ctx, d.consumer, seq); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (d *Detector) claimKey(cr metastore.ChangeRecord) dedup.Key {
	return dedup.Key{
		Source:   StreamSource,
		TenantID: cr.TenantID,
		EventID:  fmt.Sprintf("%s@%d", cr.AssetID, cr.NewVersion),
	}
}
