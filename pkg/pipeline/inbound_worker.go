package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metagov-labs/lily/pkg/deadletter"
	"github.com/metagov-labs/lily/pkg/dedup"
	"github.com/metagov-labs/lily/pkg/enrich"
	"github.com/metagov-labs/lily/pkg/envelope"
	"github.com/metagov-labs/lily/pkg/queue"
	"github.com/metagov-labs/lily/pkg/writer"
)

// Terminal dedup outcomes recorded against the ledger.
const (
	outcomeApplied   = "applied"
	outcomeRejected  = "rejected"
	outcomeExhausted = "exhausted"
)

func (p *Pipeline) runInbound(ctx context.Context) {
	for {
		msg, err := p.deps.Events.Receive(ctx, receiveWait)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.logger.ErrorContext(ctx, "inbound receive failed", "error", err)
			continue
		}
		p.processEvent(ctx, msg)
	}
}

// processEvent runs one message through decode, dedup claim, enrich and
// write. Every exit path either acks (terminal) or nacks (retryable); a
// retryable failure releases the dedup claim first so the redelivery can
// claim again.
func (p *Pipeline) processEvent(ctx context.Context, msg *queue.Message) {
	ctx, finish := p.deps.Telemetry.TrackStage(ctx, "write")
	var stageErr error
	defer func() { finish(stageErr) }()

	ev, err := envelope.Decode(msg.Body)
	if err != nil {
		// Malformed or unsupported events are permanent; the boundary
		// validated this body once, so reaching here means corruption or a
		// producer running a newer schema.
		p.quarantine(ctx, deadletter.StageWrite, "", msg.Body, err.Error())
		p.ack(ctx, p.deps.Events, msg)
		return
	}

	key := dedup.Key{Source: ev.Source, TenantID: ev.TenantID, EventID: ev.ID}
	claim, err := p.deps.Ledger.Claim(ctx, key)
	if err != nil {
		stageErr = err
		p.nack(ctx, p.deps.Events, msg)
		return
	}
	if claim == dedup.Duplicate {
		p.logger.DebugContext(ctx, "duplicate event dropped", "event_id", ev.ID)
		p.ack(ctx, p.deps.Events, msg)
		return
	}

	enriched, err := p.deps.Enricher.Enrich(ctx, ev)
	if err != nil {
		var ee *enrich.EnrichmentError
		if errors.As(err, &ee) && !ee.Retryable() {
			p.recordOutcome(ctx, key, outcomeRejected)
			p.quarantine(ctx, deadletter.StageWrite, ev.TenantID, msg.Body, err.Error())
			p.ack(ctx, p.deps.Events, msg)
			return
		}
		p.retryOrExhaust(ctx, key, ev.TenantID, msg, err)
		return
	}

	res, err := p.deps.Writer.Apply(ctx, enriched)
	if err != nil {
		var we *writer.WriteError
		if errors.As(err, &we) {
			// Persistent CAS contention; back off through redelivery.
			p.retryOrExhaust(ctx, key, ev.TenantID, msg, err)
			return
		}
		stageErr = err
		p.release(ctx, key)
		p.nack(ctx, p.deps.Events, msg)
		return
	}

	switch res.Status {
	case writer.StatusApplied:
		p.recordOutcome(ctx, key, outcomeApplied)
		p.logger.InfoContext(ctx, "event applied",
			"event_id", ev.ID, "tenant_id", ev.TenantID, "new_version", res.NewVersion)
	default:
		p.recordOutcome(ctx, key, outcomeRejected)
		p.quarantine(ctx, deadletter.StageWrite, ev.TenantID, msg.Body, res.Reason)
	}
	p.ack(ctx, p.deps.Events, msg)
}

// retryOrExhaust releases the dedup claim and redelivers, unless the message
// has been through too many attempts already, in which case it is
// quarantined and the claim kept with a terminal outcome.
func (p *Pipeline) retryOrExhaust(ctx context.Context, key dedup.Key, tenantID string, msg *queue.Message, cause error) {
	if msg.Attempt+1 >= p.opts.MaxInboundAttempts {
		p.recordOutcome(ctx, key, outcomeExhausted)
		p.quarantine(ctx, deadletter.StageWrite, tenantID, msg.Body,
			fmt.Sprintf("gave up after %d attempts: %v", msg.Attempt+1, cause))
		p.ack(ctx, p.deps.Events, msg)
		return
	}
	p.release(ctx, key)
	p.logger.WarnContext(ctx, "event processing failed, redelivering",
		"attempt", msg.Attempt+1, "error", cause)
	p.nack(ctx, p.deps.Events, msg)
}

func (p *Pipeline) recordOutcome(ctx context.Context, key dedup.Key, outcome string) {
	if err := p.deps.Ledger.RecordOutcome(ctx, key, outcome); err != nil {
		p.logger.ErrorContext(ctx, "failed to record dedup outcome", "error", err)
	}
}

func (p *Pipeline) release(ctx context.Context, key dedup.Key) {
	if err := p.deps.Ledger.Release(ctx, key); err != nil {
		p.logger.ErrorContext(ctx, "failed to release dedup claim", "error", err)
	}
}

func (p *Pipeline) quarantine(ctx context.Context, stage, tenantID string, body []byte, reason string) {
	item := &deadletter.Item{
		ID:        envelope.DeriveID(stage, string(body)),
		Stage:     stage,
		TenantID:  tenantID,
		Payload:   body,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.deps.Letters.Append(ctx, item); err != nil {
		p.logger.ErrorContext(ctx, "failed to quarantine item", "stage", stage, "error", err)
		return
	}
	p.deps.Telemetry.RecordDeadLetter(ctx, stage)
}

func (p *Pipeline) ack(ctx context.Context, q queue.Queue, msg *queue.Message) {
	if err := q.Ack(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "ack failed", "message_id", msg.ID, "error", err)
	}
}

func (p *Pipeline) nack(ctx context.Context, q queue.Queue, msg *queue.Message) {
	if err := q.Nack(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "nack failed", "message_id", msg.ID, "error", err)
	}
}
