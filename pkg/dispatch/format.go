package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/metagov-labs/lily/pkg/rules"
)

type formattedCondition struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type formattedRule struct {
	Type          string               `json:"type"`
	Name          string               `json:"name"`
	AssetID       string               `json:"asset_id"`
	RuleType      string               `json:"rule_type"`
	SourceVersion int64                `json:"source_version"`
	Conditions    []formattedCondition `json:"conditions,omitempty"`
	Actions       []rules.Action       `json:"actions"`
}

// Format renders a rule in the payload dialect of a target kind. Warehouses
// speak column/policy vocabulary rather than the pipeline's field/rule one;
// the loopback kind carries the rule as-is. Output is canonicalized so the
// same rule always produces identical bytes.
func Format(kind string, r *rules.Rule) ([]byte, error) {
	var body any
	switch kind {
	case "snowflake":
		body = formattedRule{
			Type:          "snowflake_policy",
			Name:          "lily_" + r.RuleID,
			AssetID:       r.AssetID,
			RuleType:      r.RuleType,
			SourceVersion: r.SourceVersion,
			Conditions:    formatConditions(r.Conditions),
			Actions:       r.Actions,
		}
	case "databricks":
		body = formattedRule{
			Type:          "databricks_policy",
			Name:          "lily_" + r.RuleID,
			AssetID:       r.AssetID,
			RuleType:      r.RuleType,
			SourceVersion: r.SourceVersion,
			Conditions:    formatConditions(r.Conditions),
			Actions:       r.Actions,
		}
	case "loopback":
		body = r
	default:
		return nil, fmt.Errorf("unsupported target kind %q", kind)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("format rule %s: %w", r.RuleID, err)
	}
	return jcs.Transform(raw)
}

func formatConditions(in []rules.Condition) []formattedCondition {
	out := make([]formattedCondition, len(in))
	for i, c := range in {
		out[i] = formattedCondition{Column: c.Field, Operator: c.Operator, Value: c.Value}
	}
	return out
}
