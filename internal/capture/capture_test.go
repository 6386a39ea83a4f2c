package capture

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"
)

// stubReader drives the uprobe producer without a kernel attachment.
type stubReader struct {
	events chan *SymbolEvent
	closed bool
}

func newStubReader(events ...*SymbolEvent) *stubReader {
	ch := make(chan *SymbolEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return &stubReader{events: ch}
}

func (s *stubReader) Read(ctx context.Context) (*SymbolEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stubReader) Close() error {
	s.closed = true
	return nil
}

func collect(t *testing.T, ch <-chan *RawEvent) []*RawEvent {
	t.Helper()
	var out []*RawEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining producer")
		}
	}
}

func TestUprobeProducerEmitsAndTruncates(t *testing.T) {
	big := make([]byte, MaxChunk+100)
	for i := range big {
		big[i] = byte(i % 251)
	}

	reader := newStubReader(
		&SymbolEvent{Kind: KindSslWrite, PID: 42, TID: 42, FD: 7, Comm: "python", Data: []byte("hello")},
		&SymbolEvent{Kind: KindSslRead, PID: 42, TID: 42, FD: 7, Comm: "python", Data: big},
	)
	p := NewUprobeProducer(reader, nil)

	ch, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events := collect(t, ch)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != KindSslWrite || string(events[0].Data) != "hello" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[0].Truncated {
		t.Error("small event marked truncated")
	}

	second := events[1]
	if !second.Truncated {
		t.Error("oversized event not marked truncated")
	}
	if len(second.Data) != MaxChunk {
		t.Errorf("truncated data len = %d, want %d", len(second.Data), MaxChunk)
	}
	if second.OrigLen != MaxChunk+100 {
		t.Errorf("orig len = %d, want %d", second.OrigLen, MaxChunk+100)
	}

	key := second.Key()
	if key != (ConnectionKey{PID: 42, TID: 42, FD: 7}) {
		t.Errorf("key = %v", key)
	}

	stats := p.Stats()
	if stats.Events != 2 {
		t.Errorf("stats.Events = %d, want 2", stats.Events)
	}

	p.Stop()
	if !reader.closed {
		t.Error("Stop did not close the symbol reader")
	}
}

func TestUprobeProducerDropsOnFullRing(t *testing.T) {
	// More events than ring capacity with no consumer draining: the
	// overflow increments dropped instead of blocking.
	n := ringCapacity + 50
	events := make([]*SymbolEvent, n)
	for i := range events {
		events[i] = &SymbolEvent{Kind: KindSslWrite, PID: 1, FD: 1, Data: []byte("x")}
	}
	p := NewUprobeProducer(newStubReader(events...), nil)

	ch, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Wait for the reader goroutine to finish (channel closes only after
	// all events processed), then drain.
	deadline := time.After(5 * time.Second)
	for {
		stats := p.Stats()
		if stats.Events+stats.Dropped == uint64(n) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("producer stalled: %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}

	stats := p.Stats()
	if stats.Dropped != 50 {
		t.Errorf("dropped = %d, want 50", stats.Dropped)
	}
	if got := len(collect(t, ch)); got != ringCapacity {
		t.Errorf("delivered = %d, want %d", got, ringCapacity)
	}
}

func TestReplayProducerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	base := time.Now().UnixNano()
	orig := []*RawEvent{
		{ID: "a", TimestampNS: base, Kind: KindSslWrite, PID: 9, TID: 9, FD: 3, Data: []byte("GET / HTTP/1.1\r\n\r\n")},
		{ID: "b", TimestampNS: base + int64(time.Millisecond), Kind: KindSslRead, PID: 9, TID: 9, FD: 3, Data: []byte("HTTP/1.1 200 OK\r\n\r\n")},
	}
	if err := WriteEvents(path, orig); err != nil {
		t.Fatalf("WriteEvents() error: %v", err)
	}

	p := NewReplayProducer(path, 0, nil) // speed 0: instant
	ch, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events := collect(t, ch)

	if len(events) != 2 {
		t.Fatalf("replayed %d events, want 2", len(events))
	}
	if events[0].ID != "a" || events[1].ID != "b" {
		t.Errorf("order = %s, %s", events[0].ID, events[1].ID)
	}
	if string(events[1].Data) != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Errorf("payload = %q", events[1].Data)
	}
	if events[0].Key() != events[1].Key() {
		t.Error("connection key not preserved across replay")
	}
}

func TestReplayProducerSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	if err := WriteEvents(path, []*RawEvent{{ID: "good", Kind: KindSslRead, Data: []byte("x")}}); err != nil {
		t.Fatal(err)
	}
	// Append a corrupt line.
	appendLine(t, path, "{not json")

	p := NewReplayProducer(path, 0, nil)
	ch, err := p.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	if len(events) != 1 || events[0].ID != "good" {
		t.Fatalf("events = %v", events)
	}
	if p.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", p.Stats().Dropped)
	}
}

func TestReplayProducerMissingFile(t *testing.T) {
	p := NewReplayProducer("/nonexistent/events.jsonl", 0, nil)
	if _, err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing replay file")
	}
}

func TestSynthesizeFD(t *testing.T) {
	a := SynthesizeFD("127.0.0.1:50001", "api.openai.com:443")
	b := SynthesizeFD("127.0.0.1:50002", "api.openai.com:443")
	if a == b {
		t.Error("distinct connections synthesized the same fd")
	}
	if a != SynthesizeFD("127.0.0.1:50001", "api.openai.com:443") {
		t.Error("fd synthesis not deterministic")
	}
	if a <= 0 || b <= 0 {
		t.Errorf("synthesized fds not positive: %d, %d", a, b)
	}
}
