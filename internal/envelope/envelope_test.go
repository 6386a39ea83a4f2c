package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestEvent(t *testing.T) *Event {
	t.Helper()
	ev, err := New(TypeAiRequest,
		Source{Type: "oispcapture", Version: "dev"},
		Confidence{Score: 1.0, Method: "exact"},
		&AiRequestData{
			Provider:      ProviderRef{Name: "openai", Endpoint: "api.openai.com"},
			Model:         ModelRef{ID: "gpt-4o-mini", Family: "gpt"},
			RequestType:   RequestChat,
			MessagesCount: 2,
		})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestNewStampsRequiredFields(t *testing.T) {
	ev := newTestEvent(t)

	if ev.OispVersion != "0.1" {
		t.Errorf("oisp_version = %q", ev.OispVersion)
	}
	if len(ev.EventID) != 26 {
		t.Errorf("event_id %q is not a ULID", ev.EventID)
	}
	if ev.TS.Location() != time.UTC {
		t.Error("ts not UTC")
	}
	if ev.TS.Nanosecond()%1000 != 0 {
		t.Errorf("ts %v not truncated to microseconds", ev.TS)
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEventIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		ev := newTestEvent(t)
		if seen[ev.EventID] {
			t.Fatalf("duplicate event_id %q", ev.EventID)
		}
		seen[ev.EventID] = true
	}
}

// Round-trip stability: canonical JSON parses and re-serializes
// byte-identically.
func TestCanonicalRoundTrip(t *testing.T) {
	ev := newTestEvent(t)
	ev.Process = &Process{PID: 42, Exe: "/usr/bin/python3", UID: 1000}
	ev.Host = &Host{Hostname: "devbox", OS: "linux"}

	first, err := ev.MarshalCanonical()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := Unmarshal(first)
	if err != nil {
		t.Fatal(err)
	}
	second, err := parsed.MarshalCanonical()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("round trip not byte-identical:\n first: %s\nsecond: %s", first, second)
	}
}

func TestCanonicalShape(t *testing.T) {
	ev := newTestEvent(t)
	raw, err := ev.MarshalCanonical()
	if err != nil {
		t.Fatal(err)
	}

	if bytes.ContainsRune(raw, '\n') {
		t.Error("canonical form contains a newline")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"oisp_version", "event_id", "event_type", "ts", "source", "confidence", "data"} {
		if _, ok := top[key]; !ok {
			t.Errorf("missing required key %q", key)
		}
	}
	// Optional keys absent when unset.
	if _, ok := top["process"]; ok {
		t.Error("empty process serialized")
	}

	// ts is RFC3339 UTC.
	var ts string
	json.Unmarshal(top["ts"], &ts)
	if !strings.HasSuffix(ts, "Z") {
		t.Errorf("ts %q not UTC-suffixed", ts)
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("ts %q not RFC3339: %v", ts, err)
	}
}

func TestValidateRejectsBadEnvelopes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"wrong version", func(e *Event) { e.OispVersion = "0.2" }},
		{"missing event_id", func(e *Event) { e.EventID = "" }},
		{"missing event_type", func(e *Event) { e.EventType = "" }},
		{"zero ts", func(e *Event) { e.TS = time.Time{} }},
		{"missing source", func(e *Event) { e.Source.Type = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newTestEvent(t)
			tt.mutate(ev)
			if err := ev.Validate(); err == nil {
				t.Error("Validate accepted a bad envelope")
			}
		})
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("{not json")); err == nil {
		t.Error("garbage accepted")
	}
}

func TestEventIDsSortByTime(t *testing.T) {
	// ULIDs embed a millisecond timestamp; ids minted in order compare in
	// order, which sinks rely on for stable keys.
	a := newTestEvent(t)
	time.Sleep(2 * time.Millisecond)
	b := newTestEvent(t)
	if !(a.EventID < b.EventID) {
		t.Errorf("ULIDs out of order: %s then %s", a.EventID, b.EventID)
	}
}
