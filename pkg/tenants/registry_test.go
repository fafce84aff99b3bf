package tenants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOwnership(t *testing.T) {
	assert.NoError(t, CheckOwnership("tenant-a", "tenant-a"))
	assert.ErrorIs(t, CheckOwnership("tenant-a", "tenant-b"), ErrCrossTenant)
	assert.ErrorIs(t, CheckOwnership("", "tenant-b"), ErrCrossTenant)
	assert.ErrorIs(t, CheckOwnership("tenant-a", ""), ErrCrossTenant)
}

func TestTargetRegistration(t *testing.T) {
	r := NewRegistry()
	r.RegisterTenant("tenant-a", "Acme")

	require.NoError(t, r.RegisterTarget(&Target{
		TargetID: "wh-1", TenantID: "tenant-a", Kind: "snowflake", Enabled: true,
	}))
	require.NoError(t, r.RegisterTarget(&Target{
		TargetID: "wh-2", TenantID: "tenant-a", Kind: "databricks", Enabled: false,
	}))

	targets := r.TargetsFor("tenant-a")
	require.Len(t, targets, 1)
	assert.Equal(t, "wh-1", targets[0].TargetID)

	// Unknown tenants can't register targets.
	assert.ErrorIs(t, r.RegisterTarget(&Target{TargetID: "x", TenantID: "ghost"}), ErrUnknownTenant)
}

func TestTargetReplacement(t *testing.T) {
	r := NewRegistry()
	r.RegisterTenant("tenant-a", "Acme")

	require.NoError(t, r.RegisterTarget(&Target{TargetID: "wh-1", TenantID: "tenant-a", Kind: "snowflake", Enabled: true}))
	require.NoError(t, r.RegisterTarget(&Target{TargetID: "wh-1", TenantID: "tenant-a", Kind: "snowflake", Enabled: false}))

	assert.Empty(t, r.TargetsFor("tenant-a"))
}

func TestSuspendedTenantGetsNoFanout(t *testing.T) {
	r := NewRegistry()
	r.RegisterTenant("tenant-a", "Acme")
	require.NoError(t, r.RegisterTarget(&Target{TargetID: "wh-1", TenantID: "tenant-a", Enabled: true}))

	require.NoError(t, r.Suspend("tenant-a"))
	assert.Empty(t, r.TargetsFor("tenant-a"))
}
