package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/metagov-labs/lily/pkg/change"
	"github.com/metagov-labs/lily/pkg/retry"
	"github.com/metagov-labs/lily/pkg/rules"
	"github.com/metagov-labs/lily/pkg/tenants"
)

// DefaultDeliveryTimeout bounds one connector call.
const DefaultDeliveryTimeout = 10 * time.Second

// Result reports the per-target outcome of a dispatch.
type Result struct {
	TargetID    string
	Outcome     Outcome
	State       retry.State
	NextRetryAt time.Time
}

// Dispatcher fans a rule out to the owning tenant's enabled targets.
type Dispatcher struct {
	registry    *tenants.Registry
	connectors  *Registry
	coordinator *retry.Coordinator
	wm          *change.Watermark

	timeout          time.Duration
	breakerThreshold int
	breakerReset     time.Duration
	rateLimit        rate.Limit
	rateBurst        int

	mu       sync.Mutex
	breakers map[string]*Breaker
	limiters map[string]*rate.Limiter

	logger *slog.Logger
}

func NewDispatcher(registry *tenants.Registry, connectors *Registry, coordinator *retry.Coordinator, wm *change.Watermark) *Dispatcher {
	return &Dispatcher{
		registry:         registry,
		connectors:       connectors,
		coordinator:      coordinator,
		wm:               wm,
		timeout:          DefaultDeliveryTimeout,
		breakerThreshold: 5,
		breakerReset:     10 * time.Second,
		rateLimit:        rate.Inf,
		rateBurst:        1,
		breakers:         make(map[string]*Breaker),
		limiters:         make(map[string]*rate.Limiter),
		logger:           slog.Default().With("component", "dispatcher"),
	}
}

// WithTimeout overrides the per-delivery timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// WithBreaker overrides the per-target circuit breaker settings.
func (d *Dispatcher) WithBreaker(threshold int, reset time.Duration) *Dispatcher {
	d.breakerThreshold = threshold
	d.breakerReset = reset
	return d
}

// WithRateLimit caps per-target delivery throughput.
func (d *Dispatcher) WithRateLimit(limit rate.Limit, burst int) *Dispatcher {
	d.rateLimit = limit
	d.rateBurst = burst
	return d
}

// Dispatch delivers a rule to every enabled target of its tenant. A rule
// older than the asset's watermark is superseded and silently dropped; the
// newer rule has already been or will be delivered. Per-target failures do
// not block other targets.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *rules.Rule) ([]Result, error) {
	if cur, ok := d.wm.Current(rule.AssetID); ok && rule.SourceVersion < cur {
		d.logger.InfoContext(ctx, "rule superseded, dropping",
			"rule_id", rule.RuleID, "source_version", rule.SourceVersion, "watermark", cur)
		return nil, nil
	}

	targets := d.registry.TargetsFor(rule.TenantID)
	if len(targets) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		res, err := d.deliverOne(ctx, target, rule)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, target *tenants.Target, rule *rules.Rule) (Result, error) {
	itemID := fmt.Sprintf("%s@%d", rule.RuleID, rule.SourceVersion)

	if err := d.limiter(target.TargetID).Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit wait for %s: %w", target.TargetID, err)
	}

	payload, err := Format(target.Kind, rule)
	if err != nil {
		// Misconfigured target kind; no retry will fix it.
		d.coordinator.Begin(target.TargetID, itemID)
		return d.record(ctx, target, itemID, rule, payload, PermanentError, err.Error())
	}

	if !d.breaker(target.TargetID).Allow() {
		d.coordinator.Begin(target.TargetID, itemID)
		return d.record(ctx, target, itemID, rule, payload, TransientError,
			"circuit breaker open for "+target.TargetID)
	}

	connector, ok := d.connectors.Lookup(target.Kind)
	if !ok {
		d.coordinator.Begin(target.TargetID, itemID)
		return d.record(ctx, target, itemID, rule, payload, PermanentError,
			"no connector registered for kind "+target.Kind)
	}

	d.coordinator.Begin(target.TargetID, itemID)
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	outcome, derr := connector.Deliver(dctx, &Delivery{Target: target, Rule: rule, Payload: payload})
	cancel()

	reason := ""
	if derr != nil {
		reason = derr.Error()
	}
	switch outcome {
	case Acknowledged:
		d.breaker(target.TargetID).Success()
	default:
		d.breaker(target.TargetID).Failure()
	}
	return d.record(ctx, target, itemID, rule, payload, outcome, reason)
}

func (d *Dispatcher) record(ctx context.Context, target *tenants.Target, itemID string, rule *rules.Rule, payload []byte, outcome Outcome, reason string) (Result, error) {
	decision, err := d.coordinator.RecordOutcome(ctx, target.TargetID, itemID,
		retryOutcome(outcome), reason, rule.TenantID, payload)
	if err != nil {
		return Result{}, err
	}
	return Result{
		TargetID:    target.TargetID,
		Outcome:     outcome,
		State:       decision.State,
		NextRetryAt: decision.NextRetryAt,
	}, nil
}

func (d *Dispatcher) breaker(targetID string) *Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[targetID]
	if !ok {
		b = NewBreaker(targetID, d.breakerThreshold, d.breakerReset)
		d.breakers[targetID] = b
	}
	return b
}

func (d *Dispatcher) limiter(targetID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[targetID]
	if !ok {
		l = rate.NewLimiter(d.rateLimit, d.rateBurst)
		d.limiters[targetID] = l
	}
	return l
}

func retryOutcome(o Outcome) retry.Outcome {
	switch o {
	case Acknowledged:
		return retry.OutcomeSuccess
	case PermanentError:
		return retry.OutcomePermanent
	default:
		return retry.OutcomeTransient
	}
}
