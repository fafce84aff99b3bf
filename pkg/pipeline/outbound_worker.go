package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/metagov-labs/lily/pkg/deadletter"
	"github.com/metagov-labs/lily/pkg/metastore"
	"github.com/metagov-labs/lily/pkg/queue"
	"github.com/metagov-labs/lily/pkg/retry"
	"github.com/metagov-labs/lily/pkg/rules"
)

func (p *Pipeline) runChangePoller(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollChanges(ctx)
		}
	}
}

// pollChanges drains one batch from the change stream, derives rules and
// enqueues them for delivery. A change is committed only after its rules are
// on the delivery queue; a failed handoff leaves the cursor behind the
// change, so the next poll retries it instead of losing it.
func (p *Pipeline) pollChanges(ctx context.Context) {
	ctx, finish := p.deps.Telemetry.TrackStage(ctx, "change")
	var stageErr error
	defer func() { finish(stageErr) }()

	changes, lastSeq, err := p.deps.Detector.Poll(ctx, p.opts.BatchSize)
	if err != nil {
		stageErr = err
		p.logger.ErrorContext(ctx, "change poll failed", "error", err)
		return
	}

	for _, cr := range changes {
		if err := p.deriveAndEnqueue(ctx, cr); err != nil {
			stageErr = err
			p.logger.ErrorContext(ctx, "rule derivation failed, change will be re-polled",
				"asset_id", cr.AssetID, "version", cr.NewVersion, "error", err)
			return
		}
		if err := p.deps.Detector.Commit(ctx, cr); err != nil {
			stageErr = err
			p.logger.ErrorContext(ctx, "change commit failed",
				"asset_id", cr.AssetID, "version", cr.NewVersion, "error", err)
			return
		}
	}
	if lastSeq > 0 {
		if err := p.deps.Detector.Advance(ctx, lastSeq); err != nil {
			stageErr = err
			p.logger.ErrorContext(ctx, "cursor advance failed", "error", err)
		}
	}
}

// deriveAndEnqueue hands one change's rules to the delivery queue. A non-nil
// return means a transient failure the caller must re-poll; deterministic
// failures are quarantined here and report success so the stream moves on.
func (p *Pipeline) deriveAndEnqueue(ctx context.Context, cr metastore.ChangeRecord) error {
	rec, err := p.deps.Store.Get(ctx, cr.TenantID, cr.AssetID)
	switch {
	case errors.Is(err, metastore.ErrDeleted):
		// A deleted asset stops matching every template; transforming an
		// empty attribute view emits the revocations.
		rec = &metastore.Record{
			AssetID:    cr.AssetID,
			TenantID:   cr.TenantID,
			Attributes: map[string]string{},
			Version:    cr.NewVersion,
		}
	case errors.Is(err, metastore.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	derived, err := p.deps.Transform.Transform(rec, cr)
	if err != nil {
		// Template evaluation is deterministic over the record; a retry
		// would fail the same way, so the change is quarantined.
		body, merr := json.Marshal(cr)
		if merr != nil {
			body = []byte(cr.AssetID)
		}
		p.quarantine(ctx, deadletter.StageChange, cr.TenantID, body, err.Error())
		return nil
	}
	for _, rule := range derived {
		body, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		if err := p.deps.Deliveries.Enqueue(ctx, body); err != nil {
			return err
		}
		p.logger.InfoContext(ctx, "rule enqueued for delivery",
			"rule_id", rule.RuleID, "source_version", rule.SourceVersion)
	}
	return nil
}

func (p *Pipeline) runDelivery(ctx context.Context) {
	for {
		msg, err := p.deps.Deliveries.Receive(ctx, receiveWait)
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
			p.logger.ErrorContext(ctx, "delivery receive failed", "error", err)
			continue
		}
		p.processDelivery(ctx, msg)
	}
}

// processDelivery fans one rule out to its tenant's targets. Pending
// per-target retries re-enqueue the whole rule at the earliest retry time;
// the coordinator keeps per-target attempt counts, and already-acknowledged
// targets may see the rule again, which at-least-once delivery permits.
func (p *Pipeline) processDelivery(ctx context.Context, msg *queue.Message) {
	ctx, finish := p.deps.Telemetry.TrackStage(ctx, "dispatch")
	var stageErr error
	defer func() { finish(stageErr) }()

	var rule rules.Rule
	if err := json.Unmarshal(msg.Body, &rule); err != nil {
		p.quarantine(ctx, deadletter.StageDispatch, "", msg.Body, "undecodable rule: "+err.Error())
		p.ack(ctx, p.deps.Deliveries, msg)
		return
	}

	results, err := p.deps.Dispatcher.Dispatch(ctx, &rule)
	if err != nil {
		stageErr = err
		p.nack(ctx, p.deps.Deliveries, msg)
		return
	}

	var nextRetry time.Time
	for _, res := range results {
		if res.State == retry.StatePending {
			p.deps.Telemetry.RecordRetry(ctx, res.TargetID)
			if nextRetry.IsZero() || res.NextRetryAt.Before(nextRetry) {
				nextRetry = res.NextRetryAt
			}
		}
		if res.State == retry.StateDeadLettered {
			p.deps.Telemetry.RecordDeadLetter(ctx, deadletter.StageDispatch)
		}
	}
	if !nextRetry.IsZero() {
		if err := p.deps.Deliveries.EnqueueAt(ctx, msg.Body, nextRetry); err != nil {
			stageErr = err
			p.nack(ctx, p.deps.Deliveries, msg)
			return
		}
	}
	p.ack(ctx, p.deps.Deliveries, msg)
}
