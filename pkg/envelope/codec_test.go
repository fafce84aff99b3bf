package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testEvent() *Event {
	return &Event{
		ID:            DeriveID("monte_carlo", "INC-1"),
		Type:          TypeQualityIssue,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:        "monte_carlo",
		TenantID:      "tenant-a",
		Payload:       json.RawMessage(`{"severity":"high","asset_id":"asset-42"}`),
	}
}

func TestEncodeDeterministic(t *testing.T) {
	ev := testEvent()
	first, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("encoding not deterministic:\n%s\n%s", first, second)
	}

	// Payload key order must not change the canonical form.
	reordered := testEvent()
	reordered.Payload = json.RawMessage(`{"asset_id":"asset-42","severity":"high"}`)
	third, err := Encode(reordered)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, third) {
		t.Fatalf("canonical form depends on payload key order:\n%s\n%s", first, third)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	ev := testEvent()
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != ev.ID || got.Type != ev.Type || got.TenantID != ev.TenantID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeMissingField(t *testing.T) {
	ev := testEvent()
	ev.TenantID = ""
	data, _ := json.Marshal(ev)

	_, err := Decode(data)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.Kind != MalformedPayload || de.Field != "tenant_id" {
		t.Fatalf("unexpected error: %+v", de)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	ev := testEvent()
	ev.Type = "surprise"
	data, _ := json.Marshal(ev)

	_, err := Decode(data)
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != MalformedPayload {
		t.Fatalf("expected MalformedPayload, got %v", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	ev := testEvent()
	ev.SchemaVersion = "2.0.0"
	data, _ := json.Marshal(ev)

	_, err := Decode(data)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.Kind != UnsupportedVersion {
		t.Fatalf("expected UnsupportedVersion, got %s", de.Kind)
	}

	// A newer minor within the supported major still decodes.
	ev.SchemaVersion = "1.3.0"
	data, _ = json.Marshal(ev)
	if _, err := Decode(data); err != nil {
		t.Fatalf("minor bump should decode: %v", err)
	}
}

func TestDeriveIDStable(t *testing.T) {
	a := DeriveID("monte_carlo", "INC-1")
	b := DeriveID("monte_carlo", "INC-1")
	if a != b {
		t.Fatal("derived id not stable")
	}
	if DeriveID("monte_carlo", "INC-2") == a {
		t.Fatal("distinct incidents collided")
	}
	if DeriveID("other_source", "INC-1") == a {
		t.Fatal("distinct sources collided")
	}
}

func TestHashStable(t *testing.T) {
	h1, err := Hash(testEvent())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(testEvent())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatal("hash not stable")
	}
}
