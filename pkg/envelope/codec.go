package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
)

// supportedMajor is the highest envelope schema major this build decodes.
const supportedMajor = 1

// Encode serializes an event to canonical JSON (RFC 8785). Field ordering is
// stable across processes, so hashes over the encoded form are reproducible.
func Encode(ev *Event) ([]byte, error) {
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = SchemaVersion
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("envelope encode: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("envelope canonicalize: %w", err)
	}
	return canonical, nil
}

// Decode parses and validates an encoded envelope. It fails closed: missing
// required fields, unknown event types, and schema majors newer than this
// build are all decode errors.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &DecodeError{Kind: MalformedPayload, Message: err.Error()}
	}
	if err := validate(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func validate(ev *Event) error {
	switch {
	case ev.ID == "":
		return &DecodeError{Kind: MalformedPayload, Field: "event_id", Message: "required field missing"}
	case ev.Source == "":
		return &DecodeError{Kind: MalformedPayload, Field: "source", Message: "required field missing"}
	case ev.TenantID == "":
		return &DecodeError{Kind: MalformedPayload, Field: "tenant_id", Message: "required field missing"}
	case ev.Timestamp.IsZero():
		return &DecodeError{Kind: MalformedPayload, Field: "timestamp", Message: "required field missing"}
	case !KnownType(ev.Type):
		return &DecodeError{Kind: MalformedPayload, Field: "event_type",
			Message: fmt.Sprintf("unknown event type %q", ev.Type)}
	}

	if ev.SchemaVersion == "" {
		return &DecodeError{Kind: MalformedPayload, Field: "schema_version", Message: "required field missing"}
	}
	v, err := semver.NewVersion(ev.SchemaVersion)
	if err != nil {
		return &DecodeError{Kind: MalformedPayload, Field: "schema_version",
			Message: fmt.Sprintf("not a semantic version: %v", err)}
	}
	if v.Major() > supportedMajor {
		return &DecodeError{Kind: UnsupportedVersion, Field: "schema_version",
			Message: fmt.Sprintf("schema major %d newer than supported %d", v.Major(), supportedMajor)}
	}
	return nil
}

// Hash returns the hex SHA-256 digest of the canonical encoding. Stable for
// identical events regardless of map/field ordering at the producer.
func Hash(ev *Event) (string, error) {
	b, err := Encode(ev)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
