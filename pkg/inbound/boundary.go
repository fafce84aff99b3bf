package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metagov-labs/lily/pkg/deadletter"
	"github.com/metagov-labs/lily/pkg/envelope"
	"github.com/metagov-labs/lily/pkg/queue"
)

// Webhook is one raw delivery from an external source, already
// authenticated by the caller.
type Webhook struct {
	TenantID string
	Body     []byte
}

// IngestStatus is the synchronous answer to a webhook delivery.
type IngestStatus string

const (
	IngestAccepted IngestStatus = "ACCEPTED"
	IngestRejected IngestStatus = "REJECTED"
)

// Receipt reports how a webhook was handled.
type Receipt struct {
	Status  IngestStatus
	EventID string
	Reason  string
}

// Boundary is the inbound edge: it validates webhooks synchronously and
// hands accepted events to the write queue for asynchronous processing.
// Rejected payloads are quarantined so operators can inspect what a source
// started sending.
type Boundary struct {
	normalizer *Normalizer
	events     queue.Queue
	letters    deadletter.Store
	clock      func() time.Time
	logger     *slog.Logger
}

func NewBoundary(normalizer *Normalizer, events queue.Queue, letters deadletter.Store) *Boundary {
	return &Boundary{
		normalizer: normalizer,
		events:     events,
		letters:    letters,
		clock:      time.Now,
		logger:     slog.Default().With("component", "inbound"),
	}
}

// Ingest validates, normalizes and enqueues one webhook. Validation failures
// reject synchronously and never enter the pipeline; queue failures are the
// caller's to retry, nothing has been accepted yet.
func (b *Boundary) Ingest(ctx context.Context, hook Webhook) (Receipt, error) {
	ev, err := b.normalizer.Normalize(hook.TenantID, hook.Body)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			b.quarantine(ctx, hook, ve)
			return Receipt{Status: IngestRejected, Reason: ve.Error()}, nil
		}
		return Receipt{}, fmt.Errorf("normalize webhook: %w", err)
	}

	body, err := envelope.Encode(ev)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	if err := b.events.Enqueue(ctx, body); err != nil {
		return Receipt{}, fmt.Errorf("enqueue event %s: %w", ev.ID, err)
	}

	b.logger.InfoContext(ctx, "webhook accepted",
		"tenant_id", hook.TenantID, "event_id", ev.ID, "event_type", ev.Type)
	return Receipt{Status: IngestAccepted, EventID: ev.ID}, nil
}

func (b *Boundary) quarantine(ctx context.Context, hook Webhook, ve *ValidationError) {
	hash := envelope.DeriveID("inbound-reject", string(hook.Body))
	item := &deadletter.Item{
		ID:        hash,
		Stage:     deadletter.StageInbound,
		TenantID:  hook.TenantID,
		Payload:   hook.Body,
		Reason:    ve.Error(),
		CreatedAt: b.clock(),
	}
	if err := b.letters.Append(ctx, item); err != nil {
		// The caller still gets the rejection; losing the audit copy is
		// logged, not fatal.
		b.logger.ErrorContext(ctx, "failed to quarantine rejected webhook",
			"tenant_id", hook.TenantID, "error", err)
	}
}
