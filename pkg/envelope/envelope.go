// Package envelope defines the canonical event representation all inbound
// sources are normalized into, and its deterministic wire codec.
//
// Every stage of the pipeline exchanges these envelopes:
//   - event_id is globally unique per (source, tenant_id)
//   - encoding is canonical (RFC 8785) so idempotency keys derived from
//     encoded content are reproducible
//   - unknown schema majors fail closed at decode time
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the envelope schema version this build writes.
const SchemaVersion = "1.0.0"

// EventType classifies a canonical event.
type EventType string

const (
	TypeQualityIssue    EventType = "quality_issue"
	TypeQualityResolved EventType = "quality_resolved"
	TypeMetadataUpdate  EventType = "metadata_update"
)

// KnownType reports whether t is part of the closed event vocabulary.
func KnownType(t EventType) bool {
	switch t {
	case TypeQualityIssue, TypeQualityResolved, TypeMetadataUpdate:
		return true
	}
	return false
}

// Event is the canonical envelope.
type Event struct {
	ID            string          `json:"event_id"`
	Type          EventType       `json:"event_type"`
	SchemaVersion string          `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	TenantID      string          `json:"tenant_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DecodeErrorKind discriminates decode failures.
type DecodeErrorKind string

const (
	MalformedPayload   DecodeErrorKind = "MALFORMED_PAYLOAD"
	UnsupportedVersion DecodeErrorKind = "UNSUPPORTED_VERSION"
)

// DecodeError reports a permanently undecodable envelope. Decode errors are
// never retryable; callers dead-letter the raw bytes.
type DecodeError struct {
	Kind    DecodeErrorKind
	Field   string
	Message string
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("envelope decode: %s: %s (%s)", e.Field, e.Message, e.Kind)
	}
	return fmt.Sprintf("envelope decode: %s (%s)", e.Message, e.Kind)
}

// DeriveID computes a stable event id from the source system and its external
// occurrence id. Redeliveries of the same external occurrence derive the same
// id, which is what makes the dedup ledger effective.
func DeriveID(source, externalID string) string {
	h := sha256.Sum256([]byte(source + "\x00" + externalID))
	return hex.EncodeToString(h[:])
}
