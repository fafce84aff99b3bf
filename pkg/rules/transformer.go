package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/metagov-labs/lily/pkg/metastore"
)

// ActionRevoke marks a rule that retracts an earlier emission of the same
// rule id. Targets drop the referenced rule instead of applying new actions.
const ActionRevoke = "revoke"

// Transformer derives rules from change records. It remembers which
// (template, asset) pairs have emitted a rule so that a template which stops
// matching yields a symmetric revocation instead of going silent.
type Transformer struct {
	mu        sync.Mutex
	templates []*Template
	active    map[string]struct{}
	logger    *slog.Logger
}

func NewTransformer(templates []*Template) *Transformer {
	return &Transformer{
		templates: templates,
		active:    make(map[string]struct{}),
		logger:    slog.Default().With("component", "rule-transformer"),
	}
}

// Transform evaluates every template against the asset's current state and
// returns the rules to dispatch for this change. Evaluation errors fail the
// whole change, fail-closed; the caller retries or dead-letters it.
func (tr *Transformer) Transform(rec *metastore.Record, change metastore.ChangeRecord) ([]*Rule, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var out []*Rule
	for _, t := range tr.templates {
		matched, err := t.Matches(rec)
		if err != nil {
			return nil, err
		}
		key := activeKey(t.ID, rec.TenantID, rec.AssetID)
		id := RuleID(t.ID, rec.AssetID)

		switch {
		case matched:
			out = append(out, &Rule{
				RuleID:        id,
				AssetID:       rec.AssetID,
				RuleType:      t.RuleType,
				Conditions:    cloneConditions(t.Conditions),
				Actions:       cloneActions(t.Actions),
				TenantID:      rec.TenantID,
				SourceVersion: change.NewVersion,
			})
			tr.active[key] = struct{}{}

		case hasKey(tr.active, key):
			// Previously emitted, no longer matching: retract.
			out = append(out, &Rule{
				RuleID:        id,
				AssetID:       rec.AssetID,
				RuleType:      t.RuleType,
				Actions:       []Action{{Type: ActionRevoke, Parameters: map[string]string{"rule_id": id}}},
				TenantID:      rec.TenantID,
				SourceVersion: change.NewVersion,
			})
			delete(tr.active, key)
		}
	}
	return out, nil
}

// RuleID derives the stable rule identifier for a template/asset pair.
// Re-emissions and revocations of the same pair share it; SourceVersion
// tells them apart.
func RuleID(templateID, assetID string) string {
	return fmt.Sprintf("%s:%s", templateID, assetID)
}

func activeKey(templateID, tenantID, assetID string) string {
	return templateID + "\x00" + tenantID + "\x00" + assetID
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

func cloneConditions(in []Condition) []Condition {
	out := make([]Condition, len(in))
	copy(out, in)
	return out
}

func cloneActions(in []Action) []Action {
	out := make([]Action, len(in))
	for i, a := range in {
		params := make(map[string]string, len(a.Parameters))
		for k, v := range a.Parameters {
			params[k] = v
		}
		out[i] = Action{Type: a.Type, Parameters: params}
	}
	return out
}
