package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oximy/oisp/internal/envelope"
)

func TestWSSinkBroadcast(t *testing.T) {
	s, err := NewWSSink(WSConfig{Bind: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	url := "ws://" + s.Addr() + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing sink: %v", err)
	}
	defer conn.Close()

	// Connection registration races the Deliver below; wait for it.
	deadline := time.After(2 * time.Second)
	for s.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ev := testEvent(t, envelope.TypeAiResponse)
	if err := s.Deliver(context.Background(), []*envelope.Event{ev}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading broadcast: %v", err)
	}
	var got envelope.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("broadcast payload: %v", err)
	}
	if got.EventID != ev.EventID {
		t.Errorf("event id = %q, want %q", got.EventID, ev.EventID)
	}
}

func TestWSSinkNoClientsIsNoop(t *testing.T) {
	s, err := NewWSSink(WSConfig{Bind: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	if err := s.Deliver(context.Background(), []*envelope.Event{testEvent(t, envelope.TypeAiRequest)}); err != nil {
		t.Errorf("deliver with no clients: %v", err)
	}
}
