package audit

import (
	"context"
	"testing"
	"time"

	"kennelworks.org/internal/authz"
)

type memStore struct {
	entries []*Entry
	events  []*OverrideEvent
}

func (m *memStore) Append(ctx context.Context, entry *Entry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memStore) AppendOverrideEvent(ctx context.Context, event *OverrideEvent) error {
	m.events = append(m.events, event)
	return nil
}

func TestRecord(t *testing.T) {
	st := &memStore{}
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	r, err := NewRecorder(st, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}

	entry, err := r.Record(context.Background(), "u1", ActionUpdate, "booking", "b1", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("entry has no id")
	}
	if entry.Target != "booking:b1" {
		t.Fatalf("target = %q", entry.Target)
	}
	if !entry.CreatedAt.Equal(now) {
		t.Fatalf("createdAt = %v", entry.CreatedAt)
	}
	if len(st.entries) != 1 || st.entries[0] != entry {
		t.Fatalf("store holds %d entries", len(st.entries))
	}

	// Nil meta becomes an empty map, never nil in storage.
	entry, err = r.Record(context.Background(), "u1", ActionRead, "pet", "p1", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.Meta == nil {
		t.Fatal("meta is nil")
	}
}

func TestRecordOverride(t *testing.T) {
	st := &memStore{}
	r, err := NewRecorder(st)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}

	event, err := r.RecordOverride(context.Background(), &OverrideEvent{
		ActorID:    "staff-1",
		Scope:      authz.ScopePolicyBypass,
		Reason:     "Staff updates require override token",
		EntityType: "booking",
		EntityID:   "b1",
	})
	if err != nil {
		t.Fatalf("record override: %v", err)
	}
	if event.ID == "" || event.CreatedAt.IsZero() {
		t.Fatalf("event not stamped: %+v", event)
	}
	if len(st.events) != 1 {
		t.Fatalf("store holds %d events", len(st.events))
	}
}

func TestRedact(t *testing.T) {
	snapshot := map[string]any{
		"id":          "b1",
		"paymentInfo": "tok_4242",
		"status":      "CONFIRMED",
	}
	out := Redact(snapshot, []string{"paymentInfo", "missing"})
	if out["paymentInfo"] != Marker {
		t.Fatalf("paymentInfo = %v", out["paymentInfo"])
	}
	if out["status"] != "CONFIRMED" {
		t.Fatalf("status touched: %v", out["status"])
	}
	if _, ok := out["missing"]; ok {
		t.Fatal("absent field materialized")
	}
	// Input map stays untouched.
	if snapshot["paymentInfo"] != "tok_4242" {
		t.Fatalf("input mutated: %v", snapshot["paymentInfo"])
	}
}
