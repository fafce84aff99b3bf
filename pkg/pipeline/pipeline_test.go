package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagov-labs/lily/pkg/change"
	"github.com/metagov-labs/lily/pkg/deadletter"
	"github.com/metagov-labs/lily/pkg/dedup"
	"github.com/metagov-labs/lily/pkg/dispatch"
	"github.com/metagov-labs/lily/pkg/enrich"
	"github.com/metagov-labs/lily/pkg/inbound"
	"github.com/metagov-labs/lily/pkg/metastore"
	"github.com/metagov-labs/lily/pkg/observability"
	"github.com/metagov-labs/lily/pkg/queue"
	"github.com/metagov-labs/lily/pkg/retry"
	"github.com/metagov-labs/lily/pkg/rules"
	"github.com/metagov-labs/lily/pkg/tenants"
	"github.com/metagov-labs/lily/pkg/writer"
)

const pipelineTemplates = `
templates:
  - id: pii-masking
    rule_type: PII
    match: '"tags" in attrs && attrs["tags"].contains("pii")'
    conditions:
      - field: classification
        operator: equals
        value: pii
    actions:
      - type: apply_masking
        parameters:
          masking_type: full
`

const incidentBody = `{
	"id": "INC-1",
	"type": "incident_created",
	"timestamp": "2026-03-01T12:00:00Z",
	"data": {
		"asset_id": "asset-42",
		"incident_type": "null_rate",
		"severity": "SEV-2",
		"description": "null rate above threshold"
	}
}`

// flakyStore fails a configured number of Get calls before recovering, to
// exercise the outbound path's handling of transient store outages.
type flakyStore struct {
	metastore.Store
	mu       sync.Mutex
	failGets int
}

func (s *flakyStore) Get(ctx context.Context, tenantID, assetID string) (*metastore.Record, error) {
	s.mu.Lock()
	if s.failGets > 0 {
		s.failGets--
		s.mu.Unlock()
		return nil, errors.New("store briefly unavailable")
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, tenantID, assetID)
}

func (s *flakyStore) setFailGets(n int) {
	s.mu.Lock()
	s.failGets = n
	s.mu.Unlock()
}

type harness struct {
	store    *metastore.MemoryStore
	flaky    *flakyStore
	boundary *inbound.Boundary
	loopback *dispatch.Loopback
	letters  *deadletter.MemoryStore
	run      func(t *testing.T)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store := metastore.NewMemoryStore()
	ledger := dedup.NewMemoryLedger(time.Hour)
	events := queue.NewMemoryQueue()
	deliveries := queue.NewMemoryQueue()
	letters := deadletter.NewMemoryStore()

	require.NoError(t, store.Register(ctx, &metastore.Record{
		AssetID: "asset-42", AssetType: "table", TenantID: "tenant-a",
		Attributes: map[string]string{"tags": "pii"},
	}))

	reg := tenants.NewRegistry()
	reg.RegisterTenant("tenant-a", "Acme")
	require.NoError(t, reg.RegisterTarget(&tenants.Target{
		TargetID: "wh-1", TenantID: "tenant-a", Kind: "loopback", Enabled: true,
	}))

	normalizer, err := inbound.NewNormalizer("monte_carlo")
	require.NoError(t, err)
	boundary := inbound.NewBoundary(normalizer, events, letters)

	enricher := enrich.NewEnricher(store)
	w := writer.New(store, enricher)

	flaky := &flakyStore{Store: store}
	wm := change.NewWatermark(time.Hour)
	detector := change.NewDetector(flaky, ledger, wm, "outbound",
		[]string{"tags", "quality.severity", "quality.status"})

	templates, err := rules.ParseTemplates([]byte(pipelineTemplates))
	require.NoError(t, err)
	transformer := rules.NewTransformer(templates)

	lb := dispatch.NewLoopback("loopback")
	connectors := dispatch.NewRegistry()
	connectors.Register(lb)
	coordinator := retry.NewCoordinator(letters).
		WithPolicy(retry.Policy{Base: time.Millisecond, Multiplier: 2, Cap: 10 * time.Millisecond})
	dispatcher := dispatch.NewDispatcher(reg, connectors, coordinator, wm)

	telemetry, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)

	p := New(Deps{
		Events:     events,
		Deliveries: deliveries,
		Ledger:     ledger,
		Store:      flaky,
		Enricher:   enricher,
		Writer:     w,
		Detector:   detector,
		Transform:  transformer,
		Dispatcher: dispatcher,
		Letters:    letters,
		Telemetry:  telemetry,
	}, Options{
		InboundWorkers:     2,
		DeliveryWorkers:    2,
		PollInterval:       10 * time.Millisecond,
		BatchSize:          100,
		MaxInboundAttempts: 5,
	})

	h := &harness{store: store, flaky: flaky, boundary: boundary, loopback: lb, letters: letters}
	h.run = func(t *testing.T) {
		t.Helper()
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			p.Run(runCtx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("pipeline did not stop")
			}
		})
	}
	return h
}

func TestIncidentFlowsToTarget(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ctx := context.Background()

	receipt, err := h.boundary.Ingest(ctx, inbound.Webhook{TenantID: "tenant-a", Body: []byte(incidentBody)})
	require.NoError(t, err)
	require.Equal(t, inbound.IngestAccepted, receipt.Status)

	require.Eventually(t, func() bool {
		return len(h.loopback.Deliveries()) >= 1
	}, 5*time.Second, 10*time.Millisecond, "rule never reached the target")

	rec, err := h.store.Get(ctx, "tenant-a", "asset-42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "high", rec.Attributes["quality.severity"])

	changes, err := h.store.Changes(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, int64(0), changes[0].PreviousVersion)
	assert.Equal(t, int64(1), changes[0].NewVersion)

	d := h.loopback.Deliveries()[0]
	assert.Equal(t, "pii-masking:asset-42", d.Rule.RuleID)
	assert.Equal(t, "PII", d.Rule.RuleType)
	assert.Equal(t, int64(1), d.Rule.SourceVersion)
	assert.Equal(t, "wh-1", d.Target.TargetID)
}

func TestRedeliveredIncidentAppliesOnce(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	ctx := context.Background()

	for range 2 {
		receipt, err := h.boundary.Ingest(ctx, inbound.Webhook{TenantID: "tenant-a", Body: []byte(incidentBody)})
		require.NoError(t, err)
		require.Equal(t, inbound.IngestAccepted, receipt.Status)
	}

	require.Eventually(t, func() bool {
		return len(h.loopback.Deliveries()) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Both copies are consumed; exactly one write happened.
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(ctx, "tenant-a", "asset-42")
		return err == nil && rec.Version == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	changes, err := h.store.Changes(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	rec, err := h.store.Get(ctx, "tenant-a", "asset-42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestFailingTargetDeadLettersAfterFiveAttempts(t *testing.T) {
	h := newHarness(t)
	h.loopback.WithOutcomes(
		dispatch.TransientError, dispatch.TransientError, dispatch.TransientError,
		dispatch.TransientError, dispatch.TransientError)
	h.run(t)
	ctx := context.Background()

	receipt, err := h.boundary.Ingest(ctx, inbound.Webhook{TenantID: "tenant-a", Body: []byte(incidentBody)})
	require.NoError(t, err)
	require.Equal(t, inbound.IngestAccepted, receipt.Status)

	require.Eventually(t, func() bool {
		items, err := h.letters.List(ctx, "tenant-a", time.Time{}, time.Time{}, 10)
		return err == nil && len(items) == 1
	}, 10*time.Second, 10*time.Millisecond, "exhausted delivery never dead-lettered")

	items, err := h.letters.List(ctx, "tenant-a", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	assert.Equal(t, deadletter.StageDispatch, items[0].Stage)
	assert.Contains(t, items[0].Reason, "retries exhausted after 5 attempts")

	// The attempt budget is spent; no sixth delivery happens.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, h.loopback.Deliveries(), 5)
}

func TestDerivationRetriesAfterStoreOutage(t *testing.T) {
	h := newHarness(t)
	h.flaky.setFailGets(1)
	h.run(t)
	ctx := context.Background()

	receipt, err := h.boundary.Ingest(ctx, inbound.Webhook{TenantID: "tenant-a", Body: []byte(incidentBody)})
	require.NoError(t, err)
	require.Equal(t, inbound.IngestAccepted, receipt.Status)

	// The first derivation attempt hits the outage; the change stays behind
	// the cursor and a later poll delivers the rule once the store recovers.
	require.Eventually(t, func() bool {
		return len(h.loopback.Deliveries()) >= 1
	}, 5*time.Second, 10*time.Millisecond, "change was lost across the store outage")

	d := h.loopback.Deliveries()[0]
	assert.Equal(t, "pii-masking:asset-42", d.Rule.RuleID)
	assert.Equal(t, int64(1), d.Rule.SourceVersion)

	items, err := h.letters.List(ctx, "tenant-a", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, items, "a transient outage must not dead-letter the change")
}

func TestEvalFailureQuarantinesChange(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	require.NoError(t, store.Register(ctx, &metastore.Record{
		AssetID: "asset-9", AssetType: "table", TenantID: "tenant-a",
		Attributes: map[string]string{},
	}))

	// Unguarded map index errors at eval time when the key is absent.
	templates, err := rules.ParseTemplates([]byte(`
templates:
  - id: strict-pii
    rule_type: PII
    match: 'attrs["tags"].contains("pii")'
    actions:
      - type: apply_masking
`))
	require.NoError(t, err)

	letters := deadletter.NewMemoryStore()
	telemetry, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)
	p := New(Deps{
		Store:      store,
		Transform:  rules.NewTransformer(templates),
		Deliveries: queue.NewMemoryQueue(),
		Letters:    letters,
		Telemetry:  telemetry,
	}, DefaultOptions())

	cr := metastore.ChangeRecord{Seq: 1, AssetID: "asset-9", TenantID: "tenant-a", NewVersion: 1}
	require.NoError(t, p.deriveAndEnqueue(ctx, cr), "deterministic failures are terminal, not retried")

	items, err := letters.List(ctx, "tenant-a", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, deadletter.StageChange, items[0].Stage)
	assert.Contains(t, items[0].Reason, "strict-pii")
}
