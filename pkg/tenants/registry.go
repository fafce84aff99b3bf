// Package tenants manages tenant records and their registered downstream
// targets, and provides the cross-tenant isolation checks every mutating
// stage consults.
package tenants

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status represents the current status of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is one isolated customer of the pipeline.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// IsActive returns true if the tenant is active.
func (t *Tenant) IsActive() bool { return t.Status == StatusActive }

// Target is a downstream system registered to receive propagated rules.
type Target struct {
	TargetID       string            `json:"target_id"`
	TenantID       string            `json:"tenant_id"`
	Kind           string            `json:"kind"` // e.g. "snowflake", "databricks", "loopback"
	EndpointConfig map[string]string `json:"endpoint_config,omitempty"`
	Enabled        bool              `json:"enabled"`
}

// ErrCrossTenant is returned when an operation references a resource owned
// by a different tenant. Always a permanent rejection.
var ErrCrossTenant = errors.New("tenants: cross-tenant access denied")

// ErrUnknownTenant is returned for operations against unregistered tenants.
var ErrUnknownTenant = errors.New("tenants: unknown tenant")

// CheckOwnership verifies the acting tenant owns the resource. Fail-closed:
// empty owner is a denial, not a pass.
func CheckOwnership(actingTenant, ownerTenant string) error {
	if actingTenant == "" || ownerTenant == "" || actingTenant != ownerTenant {
		return fmt.Errorf("%w: tenant %q does not own resource of tenant %q",
			ErrCrossTenant, actingTenant, ownerTenant)
	}
	return nil
}

// Registry is the in-process tenant and target registry, seeded from
// configuration at startup.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	targets map[string][]*Target
	clock   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*Tenant),
		targets: make(map[string][]*Target),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// RegisterTenant adds or replaces a tenant record.
func (r *Registry) RegisterTenant(id, name string) *Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Tenant{ID: id, Name: name, Status: StatusActive, CreatedAt: r.clock()}
	r.tenants[id] = t
	return t
}

// Tenant returns the tenant record for an id.
func (r *Registry) Tenant(id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrUnknownTenant
	}
	return t, nil
}

// Suspend marks a tenant suspended; its targets stop receiving dispatches.
func (r *Registry) Suspend(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return ErrUnknownTenant
	}
	t.Status = StatusSuspended
	return nil
}

// RegisterTarget registers a downstream target for a tenant.
func (r *Registry) RegisterTarget(target *Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[target.TenantID]; !ok {
		return ErrUnknownTenant
	}
	for i, existing := range r.targets[target.TenantID] {
		if existing.TargetID == target.TargetID {
			r.targets[target.TenantID][i] = target
			return nil
		}
	}
	r.targets[target.TenantID] = append(r.targets[target.TenantID], target)
	return nil
}

// TargetsFor returns the enabled targets of an active tenant. Suspended and
// deleted tenants get no fan-out.
func (r *Registry) TargetsFor(tenantID string) []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[tenantID]
	if !ok || !t.IsActive() {
		return nil
	}
	var out []*Target
	for _, target := range r.targets[tenantID] {
		if target.Enabled {
			out = append(out, target)
		}
	}
	return out
}
