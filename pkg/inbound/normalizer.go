// Package inbound normalizes external data-quality incident payloads into
// canonical events.
//
// Validation is fail-closed in two layers: structural validation against a
// JSON Schema, then an explicit total mapping of the external vocabulary
// (severities, incident categories) into the canonical one. Anything the
// mapping tables don't name is rejected, never passed through.
package inbound

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/metagov-labs/lily/pkg/envelope"
)

// incidentSchema is the structural contract for external incident payloads.
const incidentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "type", "timestamp", "data"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"data": {
			"type": "object",
			"required": ["asset_id", "incident_type", "severity"],
			"properties": {
				"asset_id": {"type": "string", "minLength": 1},
				"incident_type": {"type": "string", "minLength": 1},
				"severity": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"detected_at": {"type": "string"}
			}
		}
	}
}`

// ValidationErrorCode discriminates permanent normalization failures.
type ValidationErrorCode string

const (
	MissingField    ValidationErrorCode = "MISSING_FIELD"
	InvalidEnum     ValidationErrorCode = "INVALID_ENUM"
	UnknownCategory ValidationErrorCode = "UNKNOWN_CATEGORY"
)

// ValidationError is a permanent rejection: callers must not retry, the raw
// payload goes to the dead-letter store for manual inspection.
type ValidationError struct {
	Code    ValidationErrorCode
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inbound validation: %s: %s (%s)", e.Field, e.Message, e.Code)
}

// severityMap is the total mapping from external severity levels to the
// canonical vocabulary.
var severityMap = map[string]string{
	"SEV-1":    "critical",
	"SEV-2":    "high",
	"SEV-3":    "medium",
	"SEV-4":    "low",
	"CRITICAL": "critical",
	"HIGH":     "high",
	"MEDIUM":   "medium",
	"LOW":      "low",
}

// categoryMap is the total mapping from external incident categories to the
// canonical event type plus normalized category name.
var categoryMap = map[string]struct {
	eventType envelope.EventType
	category  string
}{
	"incident_created":  {envelope.TypeQualityIssue, "quality_incident"},
	"incident_updated":  {envelope.TypeQualityIssue, "quality_incident"},
	"incident_resolved": {envelope.TypeQualityResolved, "quality_incident"},
	"anomaly_detected":  {envelope.TypeQualityIssue, "anomaly"},
	"freshness_breach":  {envelope.TypeQualityIssue, "freshness"},
	"schema_change":     {envelope.TypeMetadataUpdate, "schema_change"},
	"volume_anomaly":    {envelope.TypeQualityIssue, "volume"},
}

// Incident is the decoded external payload.
type Incident struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Timestamp string       `json:"timestamp"`
	Data      IncidentData `json:"data"`
}

// IncidentData carries the incident body.
type IncidentData struct {
	AssetID      string `json:"asset_id"`
	IncidentType string `json:"incident_type"`
	Severity     string `json:"severity"`
	Description  string `json:"description,omitempty"`
	DetectedAt   string `json:"detected_at,omitempty"`
}

// QualityPayload is the canonical payload written into the envelope.
type QualityPayload struct {
	AssetID     string `json:"asset_id"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	DetectedAt  string `json:"detected_at,omitempty"`
	ExternalID  string `json:"external_id"`
}

// Normalizer validates and maps incident payloads for one external source.
type Normalizer struct {
	source string
	schema *jsonschema.Schema
	clock  func() time.Time
}

// NewNormalizer creates a normalizer for the named source system.
func NewNormalizer(source string) (*Normalizer, error) {
	schema, err := jsonschema.CompileString("incident.json", incidentSchema)
	if err != nil {
		return nil, fmt.Errorf("compile incident schema: %w", err)
	}
	return &Normalizer{source: source, schema: schema, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (n *Normalizer) WithClock(clock func() time.Time) *Normalizer {
	n.clock = clock
	return n
}

// Normalize turns a raw incident payload into a canonical event for the
// given tenant. The derived event id is stable per external incident, which
// is what lets the dedup ledger collapse redeliveries.
func (n *Normalizer) Normalize(tenantID string, raw []byte) (*envelope.Event, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Code: MissingField, Field: "body",
			Message: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := n.schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}

	var inc Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, &ValidationError{Code: MissingField, Field: "body", Message: err.Error()}
	}

	severity, ok := severityMap[strings.ToUpper(inc.Data.Severity)]
	if !ok {
		return nil, &ValidationError{Code: InvalidEnum, Field: "data.severity",
			Message: fmt.Sprintf("unmapped severity %q", inc.Data.Severity)}
	}
	mapping, ok := categoryMap[inc.Type]
	if !ok {
		return nil, &ValidationError{Code: UnknownCategory, Field: "type",
			Message: fmt.Sprintf("unmapped incident category %q", inc.Type)}
	}

	ts, err := time.Parse(time.RFC3339, inc.Timestamp)
	if err != nil {
		ts = n.clock().UTC()
	}

	payload, err := json.Marshal(QualityPayload{
		AssetID:     inc.Data.AssetID,
		Category:    mapping.category,
		Severity:    severity,
		Description: inc.Data.Description,
		DetectedAt:  inc.Data.DetectedAt,
		ExternalID:  inc.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal canonical payload: %w", err)
	}

	return &envelope.Event{
		ID:            envelope.DeriveID(n.source, inc.ID),
		Type:          mapping.eventType,
		SchemaVersion: envelope.SchemaVersion,
		Timestamp:     ts,
		Source:        n.source,
		TenantID:      tenantID,
		Payload:       payload,
	}, nil
}

// schemaError maps a jsonschema validation failure onto the taxonomy.
func schemaError(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &ValidationError{Code: MissingField, Field: "body", Message: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(strings.ReplaceAll(leaf.InstanceLocation, "/", "."), ".")
	if field == "" {
		field = "body"
	}
	return &ValidationError{Code: MissingField, Field: field, Message: leaf.Message}
}
