// Package rules derives downstream policy rules from metadata changes.
//
// Policy is data, not code: templates are declared in YAML and matched with a
// CEL expression over the asset's attribute view. Adding a new rule family is
// a template edit, not a deploy.
package rules

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/metagov-labs/lily/pkg/metastore"
)

// Condition is one predicate a downstream target enforces.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    string `yaml:"value" json:"value"`
}

// Action is one operation the target applies when the conditions hold.
type Action struct {
	Type       string            `yaml:"type" json:"type"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Rule is a derived policy rule bound to one asset at one store version.
type Rule struct {
	RuleID        string      `json:"rule_id"`
	AssetID       string      `json:"asset_id"`
	RuleType      string      `json:"rule_type"`
	Conditions    []Condition `json:"conditions"`
	Actions       []Action    `json:"actions"`
	TenantID      string      `json:"tenant_id"`
	SourceVersion int64       `json:"source_version"`
}

// Template declares when a rule family applies and what it emits. Match is a
// CEL expression over `attrs` (the asset's attributes) and `asset_type`,
// compiled once at load.
type Template struct {
	ID         string      `yaml:"id"`
	RuleType   string      `yaml:"rule_type"`
	Match      string      `yaml:"match"`
	Conditions []Condition `yaml:"conditions"`
	Actions    []Action    `yaml:"actions"`

	program cel.Program
}

type templateFile struct {
	Templates []*Template `yaml:"templates"`
}

// LoadTemplates reads and compiles a template file.
func LoadTemplates(path string) ([]*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates parses YAML template declarations and compiles their match
// expressions. A template that fails to compile fails the whole load; a
// half-working policy set must not start.
func ParseTemplates(data []byte) ([]*Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("parse templates: no templates declared")
	}

	env, err := cel.NewEnv(
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("asset_type", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	for _, t := range file.Templates {
		if t.ID == "" || t.RuleType == "" || t.Match == "" {
			return nil, fmt.Errorf("template %q: id, rule_type and match are required", t.ID)
		}
		ast, iss := env.Compile(t.Match)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("template %q: compile match: %w", t.ID, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("template %q: match must evaluate to bool, got %s", t.ID, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("template %q: build program: %w", t.ID, err)
		}
		t.program = prg
	}
	return file.Templates, nil
}

// Matches evaluates the template's match expression against a record.
func (t *Template) Matches(rec *metastore.Record) (bool, error) {
	out, _, err := t.program.Eval(map[string]any{
		"attrs":      rec.Attributes,
		"asset_type": rec.AssetType,
	})
	if err != nil {
		return false, fmt.Errorf("template %q: eval: %w", t.ID, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("template %q: match returned %T, want bool", t.ID, out.Value())
	}
	return matched, nil
}
