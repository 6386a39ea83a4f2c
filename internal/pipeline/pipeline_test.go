package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oximy/oisp/internal/capture"
	"github.com/oximy/oisp/internal/config"
	"github.com/oximy/oisp/internal/enrich"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/redact"
	"github.com/oximy/oisp/internal/sink"
)

var testSource = envelope.Source{Type: "test", Version: "0"}

func testRedactor(t *testing.T) *redact.ContentRedactor {
	t.Helper()
	r, err := redact.NewContentRedactor(&config.RedactionConfig{Mode: "safe"})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func testEnricher() *enrich.Enricher {
	return enrich.New(func(pid int) (*envelope.Process, error) {
		return &envelope.Process{PID: pid, Exe: "/usr/bin/testapp", Cmdline: "testapp"}, nil
	}, nil)
}

// writeReplayFile builds a replay fixture of one OpenAI chat exchange.
func writeReplayFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "events.jsonl")

	reqBody := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	request := fmt.Sprintf("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(reqBody), reqBody)

	respBody := `{"model":"gpt-4o-mini","choices":[{"message":{"content":"Hi!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}`
	response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(respBody), respBody)

	base := time.Now().UnixNano()
	events := []*capture.RawEvent{
		{ID: "1", TimestampNS: base, Kind: capture.KindSslWrite, PID: 42, TID: 42, FD: 7, Comm: "testapp", Data: []byte(request)},
		{ID: "2", TimestampNS: base + int64(20*time.Millisecond), Kind: capture.KindSslRead, PID: 42, TID: 42, FD: 7, Comm: "testapp", Data: []byte(response)},
	}
	if err := capture.WriteEvents(path, events); err != nil {
		t.Fatal(err)
	}
	return path
}

func runPipeline(t *testing.T, p *Pipeline, ctx context.Context) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			t.Errorf("pipeline run: %v", err)
		}
	}()
	return &wg
}

func TestPipelineEndToEndReplay(t *testing.T) {
	dir := t.TempDir()
	path := writeReplayFile(t, dir)

	producer := capture.NewReplayProducer(path, 0, nil)
	p := New(Config{Source: testSource}, producer, testEnricher(), testRedactor(t))

	events, cancel := p.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	wg := runPipeline(t, p, ctx)

	var reqEv, respEv *envelope.Event
	deadline := time.After(5 * time.Second)
	for reqEv == nil || respEv == nil {
		select {
		case ev := <-events:
			switch ev.EventType {
			case envelope.TypeAiRequest:
				reqEv = ev
			case envelope.TypeAiResponse:
				respEv = ev
			}
		case <-deadline:
			t.Fatalf("missing events: req=%v resp=%v", reqEv != nil, respEv != nil)
		}
	}
	stop()
	wg.Wait()

	var reqData envelope.AiRequestData
	if err := json.Unmarshal(reqEv.Data, &reqData); err != nil {
		t.Fatal(err)
	}
	if reqData.Provider.Name != "openai" || reqData.Model.ID != "gpt-4o-mini" {
		t.Errorf("request data = %+v", reqData)
	}
	if reqData.Streaming {
		t.Error("non-streaming request marked streaming")
	}

	var respData envelope.AiResponseData
	if err := json.Unmarshal(respEv.Data, &respData); err != nil {
		t.Fatal(err)
	}
	if respData.RequestID != reqEv.EventID {
		t.Errorf("request_id = %q, want %q", respData.RequestID, reqEv.EventID)
	}
	if respData.Content != "Hi!" || respData.Usage.TotalTokens != 10 {
		t.Errorf("response data = %+v", respData)
	}
	if respData.LatencyMs < 0 {
		t.Errorf("latency = %d", respData.LatencyMs)
	}

	// Enrichment attached process context from the injected lookup.
	if reqEv.Process == nil || reqEv.Process.Exe != "/usr/bin/testapp" {
		t.Errorf("process context = %+v", reqEv.Process)
	}
}

func TestPipelineStreamingReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.jsonl")

	reqBody := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"stream":true}`
	request := fmt.Sprintf("POST /v1/messages HTTP/1.1\r\nHost: api.anthropic.com\r\nContent-Length: %d\r\n\r\n%s", len(reqBody), reqBody)

	sse := "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\n\r\n" +
		"event: message_start\ndata: {\"message\":{\"model\":\"claude-sonnet-4-5\",\"usage\":{\"input_tokens\":12}}}\n\n" +
		"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n" +
		"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
		"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n" +
		"event: content_block_stop\ndata: {\"index\":0}\n\n" +
		"event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
		"event: message_stop\ndata: {}\n\n"

	base := time.Now().UnixNano()
	events := []*capture.RawEvent{
		{ID: "1", TimestampNS: base, Kind: capture.KindSslWrite, PID: 9, TID: 9, FD: 4, Comm: "app", Data: []byte(request)},
		{ID: "2", TimestampNS: base + 1000, Kind: capture.KindSslRead, PID: 9, TID: 9, FD: 4, Comm: "app", Data: []byte(sse)},
	}
	if err := capture.WriteEvents(path, events); err != nil {
		t.Fatal(err)
	}

	producer := capture.NewReplayProducer(path, 0, nil)
	p := New(Config{Source: testSource}, producer, testEnricher(), testRedactor(t))

	out, cancelSub := p.Subscribe()
	defer cancelSub()

	ctx, stop := context.WithCancel(context.Background())
	wg := runPipeline(t, p, ctx)

	var respEv *envelope.Event
	deadline := time.After(5 * time.Second)
	for respEv == nil {
		select {
		case ev := <-out:
			if ev.EventType == envelope.TypeAiResponse {
				respEv = ev
			}
		case <-deadline:
			t.Fatal("no ai.response from stream")
		}
	}
	stop()
	wg.Wait()

	var data envelope.AiResponseData
	json.Unmarshal(respEv.Data, &data)
	if data.Content != "Hello" {
		t.Errorf("content = %q", data.Content)
	}
	if !data.Success || data.FinishReason != "end_turn" {
		t.Errorf("success=%v finish=%q", data.Success, data.FinishReason)
	}
	if data.Usage == nil || data.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", data.Usage)
	}
}

func TestPipelineRedactsBeforeBroadcast(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.jsonl")

	reqBody := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"my email is bob@example.com"}]}`
	request := fmt.Sprintf("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\nContent-Length: %d\r\n\r\n%s", len(reqBody), reqBody)

	events := []*capture.RawEvent{
		{ID: "1", TimestampNS: time.Now().UnixNano(), Kind: capture.KindSslWrite, PID: 5, TID: 5, FD: 2, Data: []byte(request)},
	}
	if err := capture.WriteEvents(path, events); err != nil {
		t.Fatal(err)
	}

	producer := capture.NewReplayProducer(path, 0, nil)
	p := New(Config{Source: testSource}, producer, testEnricher(), testRedactor(t))

	out, cancelSub := p.Subscribe()
	defer cancelSub()

	ctx, stop := context.WithCancel(context.Background())
	wg := runPipeline(t, p, ctx)

	select {
	case ev := <-out:
		var data envelope.AiRequestData
		json.Unmarshal(ev.Data, &data)
		if len(data.Messages) == 0 {
			t.Fatal("no messages in request data")
		}
		content := data.Messages[0].Content
		if content == "my email is bob@example.com" {
			t.Error("email not redacted before broadcast")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	stop()
	wg.Wait()
}

func TestPipelineSinkDelivery(t *testing.T) {
	dir := t.TempDir()
	path := writeReplayFile(t, dir)

	jsonlPath := filepath.Join(dir, "out", "events.jsonl")
	js, err := sink.NewJSONLSink(jsonlPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	runner := sink.NewRunner(js, sink.RunnerConfig{BatchSize: 1, FlushInterval: 10 * time.Millisecond})

	producer := capture.NewReplayProducer(path, 0, nil)
	p := New(Config{Source: testSource}, producer, testEnricher(), testRedactor(t))
	p.AttachSink(runner)

	ctx, stop := context.WithCancel(context.Background())
	wg := runPipeline(t, p, ctx)

	deadline := time.After(5 * time.Second)
	for runner.Health().Delivered < 2 {
		select {
		case <-deadline:
			t.Fatalf("sink delivered %d events, want 2; stats=%+v", runner.Health().Delivered, p.Stats())
		case <-time.After(20 * time.Millisecond):
		}
	}
	stop()
	wg.Wait()

	stats := p.Stats()
	if stats.Events != 2 {
		t.Errorf("raw events = %d, want 2", stats.Events)
	}
	if len(stats.SinkStatus) != 1 || stats.SinkStatus[0].Name != "jsonl" {
		t.Errorf("sink status = %+v", stats.SinkStatus)
	}
}

func TestPipelineSlowSubscriberDropsOldest(t *testing.T) {
	p := New(Config{Source: testSource}, nil, nil, nil)

	// Fill a subscriber past its ring capacity without draining.
	ch, cancel := p.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		ev, err := envelope.New(envelope.TypeAiRequest, testSource,
			envelope.Confidence{Score: 1, Method: "exact"}, map[string]int{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		p.broadcast(ev)
	}

	if got := len(ch); got != subscriberBuffer {
		t.Errorf("subscriber buffer = %d, want %d", got, subscriberBuffer)
	}

	// The oldest events were dropped: the first buffered one is no longer i=0.
	first := <-ch
	var payload map[string]int
	json.Unmarshal(first.Data, &payload)
	if payload["i"] == 0 {
		t.Error("oldest event survived a full ring")
	}
}
