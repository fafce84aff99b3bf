package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/metagov-labs/lily/pkg/deadletter"
	"github.com/metagov-labs/lily/pkg/envelope"
	"github.com/metagov-labs/lily/pkg/queue"
)

const validIncident = `{
	"id": "INC-1",
	"type": "incident_created",
	"timestamp": "2026-03-01T12:00:00Z",
	"data": {
		"asset_id": "asset-42",
		"incident_type": "null_rate",
		"severity": "SEV-2",
		"description": "null rate above threshold"
	}
}`

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer("monte_carlo")
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	return n
}

func TestNormalizeValidIncident(t *testing.T) {
	n := newTestNormalizer(t)

	ev, err := n.Normalize("tenant-a", []byte(validIncident))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.Type != envelope.TypeQualityIssue {
		t.Errorf("type = %s, want %s", ev.Type, envelope.TypeQualityIssue)
	}
	if ev.ID != envelope.DeriveID("monte_carlo", "INC-1") {
		t.Errorf("unexpected derived id %s", ev.ID)
	}
	if ev.TenantID != "tenant-a" || ev.Source != "monte_carlo" {
		t.Errorf("envelope identity wrong: %+v", ev)
	}

	var payload QualityPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Severity != "high" {
		t.Errorf("severity = %s, want high (from SEV-2)", payload.Severity)
	}
	if payload.Category != "quality_incident" {
		t.Errorf("category = %s, want quality_incident", payload.Category)
	}
	if payload.ExternalID != "INC-1" {
		t.Errorf("external id = %s, want INC-1", payload.ExternalID)
	}
}

func TestNormalizeDerivedIDStable(t *testing.T) {
	n := newTestNormalizer(t)

	a, err := n.Normalize("tenant-a", []byte(validIncident))
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize("tenant-a", []byte(validIncident))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("redelivered incident derived different ids: %s vs %s", a.ID, b.ID)
	}
}

func TestNormalizeResolvedIncident(t *testing.T) {
	n := newTestNormalizer(t)
	body := []byte(`{
		"id": "INC-1", "type": "incident_resolved", "timestamp": "2026-03-01T13:00:00Z",
		"data": {"asset_id": "asset-42", "incident_type": "null_rate", "severity": "low"}
	}`)

	ev, err := n.Normalize("tenant-a", body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.Type != envelope.TypeQualityResolved {
		t.Errorf("type = %s, want %s", ev.Type, envelope.TypeQualityResolved)
	}
}

func TestNormalizeRejections(t *testing.T) {
	n := newTestNormalizer(t)

	cases := []struct {
		name string
		body string
		code ValidationErrorCode
	}{
		{"not json", `{{{`, MissingField},
		{"missing data", `{"id":"INC-1","type":"incident_created","timestamp":"2026-03-01T12:00:00Z"}`, MissingField},
		{"missing asset id", `{"id":"INC-1","type":"incident_created","timestamp":"x","data":{"incident_type":"t","severity":"LOW"}}`, MissingField},
		{"unmapped severity", `{"id":"INC-1","type":"incident_created","timestamp":"x","data":{"asset_id":"a","incident_type":"t","severity":"SEV-9"}}`, InvalidEnum},
		{"unmapped category", `{"id":"INC-1","type":"incident_exploded","timestamp":"x","data":{"asset_id":"a","incident_type":"t","severity":"LOW"}}`, UnknownCategory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize("tenant-a", []byte(tc.body))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if ve.Code != tc.code {
				t.Errorf("code = %s, want %s", ve.Code, tc.code)
			}
		})
	}
}

func TestNormalizeBadTimestampFallsBackToClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	n := newTestNormalizer(t).WithClock(func() time.Time { return now })
	body := []byte(`{
		"id": "INC-1", "type": "anomaly_detected", "timestamp": "yesterday-ish",
		"data": {"asset_id": "a", "incident_type": "t", "severity": "HIGH"}
	}`)

	ev, err := n.Normalize("tenant-a", body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !ev.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want clock time %v", ev.Timestamp, now)
	}
}

func TestIngestAcceptsAndEnqueues(t *testing.T) {
	q := queue.NewMemoryQueue()
	b := NewBoundary(newTestNormalizer(t), q, deadletter.NewMemoryStore())
	ctx := context.Background()

	receipt, err := b.Ingest(ctx, Webhook{TenantID: "tenant-a", Body: []byte(validIncident)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if receipt.Status != IngestAccepted {
		t.Fatalf("status = %s, want %s (%s)", receipt.Status, IngestAccepted, receipt.Reason)
	}

	msg, err := q.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	ev, err := envelope.Decode(msg.Body)
	if err != nil {
		t.Fatalf("Decode enqueued body: %v", err)
	}
	if ev.ID != receipt.EventID {
		t.Errorf("enqueued event id %s, receipt says %s", ev.ID, receipt.EventID)
	}
}

func TestIngestRejectsAndQuarantines(t *testing.T) {
	q := queue.NewMemoryQueue()
	letters := deadletter.NewMemoryStore()
	b := NewBoundary(newTestNormalizer(t), q, letters)
	ctx := context.Background()

	receipt, err := b.Ingest(ctx, Webhook{TenantID: "tenant-a", Body: []byte(`{"id":"x"}`)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if receipt.Status != IngestRejected {
		t.Fatalf("status = %s, want %s", receipt.Status, IngestRejected)
	}

	if ready, _ := q.Len(); ready != 0 {
		t.Errorf("rejected webhook reached the queue")
	}
	items, err := letters.List(ctx, "tenant-a", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("quarantined items = %d, want 1", len(items))
	}
	if items[0].Stage != deadletter.StageInbound {
		t.Errorf("stage = %s, want %s", items[0].Stage, deadletter.StageInbound)
	}
}
