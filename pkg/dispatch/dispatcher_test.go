package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagov-labs/lily/pkg/change"
	"github.com/metagov-labs/lily/pkg/deadletter"
	"github.com/metagov-labs/lily/pkg/retry"
	"github.com/metagov-labs/lily/pkg/rules"
	"github.com/metagov-labs/lily/pkg/tenants"
)

func testRule(version int64) *rules.Rule {
	return &rules.Rule{
		RuleID:   "pii-masking:asset-42",
		AssetID:  "asset-42",
		RuleType: "PII",
		Conditions: []rules.Condition{
			{Field: "classification", Operator: "equals", Value: "pii"},
		},
		Actions: []rules.Action{
			{Type: "apply_masking", Parameters: map[string]string{"masking_type": "full"}},
		},
		TenantID:      "tenant-a",
		SourceVersion: version,
	}
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *tenants.Registry
	connectors *Registry
	loopback   *Loopback
	letters    *deadletter.MemoryStore
	wm         *change.Watermark
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := tenants.NewRegistry()
	reg.RegisterTenant("tenant-a", "Acme")
	require.NoError(t, reg.RegisterTarget(&tenants.Target{
		TargetID: "wh-1", TenantID: "tenant-a", Kind: "loopback", Enabled: true,
	}))

	connectors := NewRegistry()
	lb := NewLoopback("loopback")
	connectors.Register(lb)

	letters := deadletter.NewMemoryStore()
	coord := retry.NewCoordinator(letters).
		WithPolicy(retry.Policy{Base: time.Second, Multiplier: 2, Cap: time.Minute})
	wm := change.NewWatermark(time.Hour)

	return &fixture{
		dispatcher: NewDispatcher(reg, connectors, coord, wm),
		registry:   reg,
		connectors: connectors,
		loopback:   lb,
		letters:    letters,
		wm:         wm,
	}
}

func TestDispatchDeliversToEnabledTargets(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterTarget(&tenants.Target{
		TargetID: "wh-2", TenantID: "tenant-a", Kind: "loopback", Enabled: false,
	}))

	results, err := f.dispatcher.Dispatch(context.Background(), testRule(3))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "wh-1", results[0].TargetID)
	assert.Equal(t, Acknowledged, results[0].Outcome)
	assert.Equal(t, retry.StateSucceeded, results[0].State)

	deliveries := f.loopback.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "pii-masking:asset-42", deliveries[0].Rule.RuleID)
}

func TestDispatchDropsSupersededRule(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.wm.Observe("asset-42", 5))

	results, err := f.dispatcher.Dispatch(context.Background(), testRule(4))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, f.loopback.Deliveries())

	// The version at the watermark itself is current, not superseded.
	results, err = f.dispatcher.Dispatch(context.Background(), testRule(5))
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestDispatchTransientSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.loopback.WithOutcomes(TransientError)

	results, err := f.dispatcher.Dispatch(context.Background(), testRule(3))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, TransientError, results[0].Outcome)
	assert.Equal(t, retry.StatePending, results[0].State)
	assert.False(t, results[0].NextRetryAt.IsZero())

	// Redelivery succeeds and clears the attempt.
	results, err = f.dispatcher.Dispatch(context.Background(), testRule(3))
	require.NoError(t, err)
	assert.Equal(t, retry.StateSucceeded, results[0].State)
}

func TestDispatchPermanentFailureDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.loopback.WithOutcomes(PermanentError)

	results, err := f.dispatcher.Dispatch(context.Background(), testRule(3))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, retry.StateDeadLettered, results[0].State)

	items, err := f.letters.List(context.Background(), "tenant-a", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, deadletter.StageDispatch, items[0].Stage)
}

func TestDispatchUnknownConnectorKind(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterTarget(&tenants.Target{
		TargetID: "wh-1", TenantID: "tenant-a", Kind: "snowflake", Enabled: true,
	}))

	results, err := f.dispatcher.Dispatch(context.Background(), testRule(3))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, PermanentError, results[0].Outcome)
	assert.Equal(t, retry.StateDeadLettered, results[0].State)
}

func TestDispatchBreakerOpensAndRecovers(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.WithBreaker(2, 10*time.Second)
	f.loopback.WithOutcomes(TransientError, TransientError)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, testRule(3))
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, testRule(3))
	require.NoError(t, err)
	require.Len(t, f.loopback.Deliveries(), 2)

	// Breaker is open: the connector is not called, the failure is transient.
	results, err := f.dispatcher.Dispatch(ctx, testRule(3))
	require.NoError(t, err)
	assert.Equal(t, TransientError, results[0].Outcome)
	assert.Len(t, f.loopback.Deliveries(), 2)
}

func TestFormatSnowflake(t *testing.T) {
	payload, err := Format("snowflake", testRule(3))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "snowflake_policy", got["type"])
	assert.Equal(t, "lily_pii-masking:asset-42", got["name"])
	conds := got["conditions"].([]any)
	require.Len(t, conds, 1)
	assert.Equal(t, "classification", conds[0].(map[string]any)["column"])
}

func TestFormatUnsupportedKind(t *testing.T) {
	_, err := Format("teradata", testRule(3))
	assert.Error(t, err)
}

func TestFormatDeterministic(t *testing.T) {
	a, err := Format("databricks", testRule(3))
	require.NoError(t, err)
	b, err := Format("databricks", testRule(3))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
