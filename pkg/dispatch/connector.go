// Package dispatch fans derived rules out to a tenant's registered targets,
// guarding each target with supersession checks, a circuit breaker and a
// rate limiter, and routing every outcome through the retry coordinator.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/metagov-labs/lily/pkg/rules"
	"github.com/metagov-labs/lily/pkg/tenants"
)

// Outcome classifies one delivery attempt.
type Outcome string

const (
	// Acknowledged: the target accepted the rule.
	Acknowledged Outcome = "ACKNOWLEDGED"
	// TransientError: timeouts, throttling, 5xx-equivalents. Retryable.
	TransientError Outcome = "TRANSIENT_ERROR"
	// PermanentError: the target can never accept this rule. Dead-letter.
	PermanentError Outcome = "PERMANENT_ERROR"
)

// Delivery is one rule bound for one target, already rendered in the
// target's format.
type Delivery struct {
	Target  *tenants.Target
	Rule    *rules.Rule
	Payload []byte
}

// Connector delivers rules to one kind of downstream system.
type Connector interface {
	Kind() string
	Deliver(ctx context.Context, d *Delivery) (Outcome, error)
}

// ConnectorError reports a classified delivery failure.
type ConnectorError struct {
	TargetID string
	Outcome  Outcome
	Message  string
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("deliver to %s: %s (%s)", e.TargetID, e.Message, e.Outcome)
}

// Registry maps target kinds to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector for its kind, replacing any previous one.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Kind()] = c
}

// Lookup returns the connector for a target kind.
func (r *Registry) Lookup(kind string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[kind]
	return c, ok
}

// Loopback is an in-process connector for embedded pipelines and tests. It
// records deliveries and plays back a scripted outcome sequence, defaulting
// to Acknowledged.
type Loopback struct {
	mu         sync.Mutex
	kind       string
	deliveries []*Delivery
	script     []Outcome
}

func NewLoopback(kind string) *Loopback {
	return &Loopback{kind: kind}
}

// WithOutcomes scripts the next deliveries' outcomes in order.
func (l *Loopback) WithOutcomes(outcomes ...Outcome) *Loopback {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.script = append(l.script, outcomes...)
	return l
}

func (l *Loopback) Kind() string { return l.kind }

func (l *Loopback) Deliver(ctx context.Context, d *Delivery) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return TransientError, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliveries = append(l.deliveries, d)
	if len(l.script) > 0 {
		out := l.script[0]
		l.script = l.script[1:]
		if out != Acknowledged {
			return out, &ConnectorError{TargetID: d.Target.TargetID, Outcome: out, Message: "scripted failure"}
		}
		return out, nil
	}
	return Acknowledged, nil
}

// Deliveries returns everything delivered so far.
func (l *Loopback) Deliveries() []*Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Delivery, len(l.deliveries))
	copy(out, l.deliveries)
	return out
}
