package aidecoder

import (
	"testing"

	"github.com/oximy/oisp/internal/decoder"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/provider"
)

func entryFor(t *testing.T, host, path string) provider.Entry {
	t.Helper()
	ent, ok := provider.DetectEntry(host, path)
	if !ok {
		t.Fatalf("no provider entry for %s%s", host, path)
	}
	return ent
}

func TestDecodeRequestOpenAIChat(t *testing.T) {
	body := `{"model":"gpt-4o-mini","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}],"temperature":0.2,"max_tokens":100,"stream":false,"tools":[{"type":"function","function":{"name":"get_weather"}}]}`
	msg := &decoder.Message{
		IsRequest: true,
		Method:    "POST",
		Path:      "/v1/chat/completions",
		Host:      "api.openai.com",
		Body:      []byte(body),
		Complete:  true,
	}

	data := DecodeRequest(msg, entryFor(t, "api.openai.com", msg.Path))

	if data.Provider.Name != "openai" {
		t.Errorf("provider = %q", data.Provider.Name)
	}
	if data.Model.ID != "gpt-4o-mini" || data.Model.Family != "gpt" {
		t.Errorf("model = %+v", data.Model)
	}
	if data.RequestType != envelope.RequestChat {
		t.Errorf("request type = %q", data.RequestType)
	}
	if data.Streaming {
		t.Error("streaming should be false")
	}
	if data.MessagesCount != 2 || !data.HasSystemPrompt {
		t.Errorf("messages_count=%d has_system=%v", data.MessagesCount, data.HasSystemPrompt)
	}
	if data.Parameters.Temperature == nil || *data.Parameters.Temperature != 0.2 {
		t.Errorf("temperature = %v", data.Parameters.Temperature)
	}
	if data.Parameters.MaxTokens == nil || *data.Parameters.MaxTokens != 100 {
		t.Errorf("max_tokens = %v", data.Parameters.MaxTokens)
	}
	if len(data.Parameters.Tools) != 1 || data.Parameters.Tools[0] != "get_weather" {
		t.Errorf("tools = %v", data.Parameters.Tools)
	}
	if data.ParseQuality != "" {
		t.Errorf("parse quality = %q", data.ParseQuality)
	}
}

func TestDecodeRequestAnthropicMessages(t *testing.T) {
	body := `{"model":"claude-sonnet-4-5","system":"You are helpful.","messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}],"max_tokens":1024,"stream":true}`
	msg := &decoder.Message{
		IsRequest: true,
		Path:      "/v1/messages",
		Host:      "api.anthropic.com",
		Body:      []byte(body),
	}

	data := DecodeRequest(msg, entryFor(t, "api.anthropic.com", msg.Path))

	if data.Provider.Name != "anthropic" {
		t.Errorf("provider = %q", data.Provider.Name)
	}
	if data.Model.Family != "claude" {
		t.Errorf("family = %q", data.Model.Family)
	}
	if !data.Streaming || !data.HasSystemPrompt {
		t.Errorf("streaming=%v has_system=%v", data.Streaming, data.HasSystemPrompt)
	}
	if data.MessagesCount != 1 {
		t.Errorf("messages_count = %d", data.MessagesCount)
	}
	// System plus the one user message in the normalized list.
	if len(data.Messages) != 2 || data.Messages[1].Content != "hello" {
		t.Errorf("messages = %+v", data.Messages)
	}
}

func TestDecodeRequestEmbedding(t *testing.T) {
	msg := &decoder.Message{
		IsRequest: true,
		Path:      "/v1/embeddings",
		Host:      "api.openai.com",
		Body:      []byte(`{"model":"text-embedding-3-small","input":"some text"}`),
	}
	data := DecodeRequest(msg, entryFor(t, "api.openai.com", msg.Path))
	if data.RequestType != envelope.RequestEmbedding {
		t.Errorf("request type = %q, want embedding", data.RequestType)
	}
}

func TestDecodeRequestGemini(t *testing.T) {
	body := `{"contents":[{"role":"user","parts":[{"text":"hi there"}]}],"generationConfig":{"temperature":0.5,"maxOutputTokens":256}}`
	msg := &decoder.Message{
		IsRequest: true,
		Path:      "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse",
		Host:      "generativelanguage.googleapis.com",
		Body:      []byte(body),
	}
	data := DecodeRequest(msg, entryFor(t, "generativelanguage.googleapis.com", msg.Path))

	if data.Model.ID != "gemini-2.0-flash" || data.Model.Family != "gemini" {
		t.Errorf("model = %+v", data.Model)
	}
	if !data.Streaming {
		t.Error("streamGenerateContent should mark streaming")
	}
	if data.MessagesCount != 1 || data.Messages[0].Content != "hi there" {
		t.Errorf("messages = %+v", data.Messages)
	}
}

func TestDecodeRequestMalformedBody(t *testing.T) {
	msg := &decoder.Message{
		IsRequest: true,
		Path:      "/v1/chat/completions",
		Host:      "api.openai.com",
		Body:      []byte(`{"model": truncated`),
	}
	data := DecodeRequest(msg, entryFor(t, "api.openai.com", msg.Path))
	if data.ParseQuality != ParseQualityDegraded {
		t.Errorf("parse quality = %q, want degraded", data.ParseQuality)
	}
	if data.Provider.Name != "openai" {
		t.Error("provider lost on degraded parse")
	}
}

// Spec scenario: OpenAI non-streaming chat response.
func TestDecodeResponseOpenAI(t *testing.T) {
	body := `{"model":"gpt-4o-mini","choices":[{"message":{"content":"Hi!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}`
	msg := &decoder.Message{
		StatusCode: 200,
		Body:       []byte(body),
		Complete:   true,
	}
	data := DecodeResponse(msg, entryFor(t, "api.openai.com", "/v1/chat/completions"))

	if !data.Success {
		t.Error("success = false")
	}
	if data.Content != "Hi!" {
		t.Errorf("content = %q", data.Content)
	}
	if data.FinishReason != "stop" {
		t.Errorf("finish_reason = %q", data.FinishReason)
	}
	if data.Usage == nil || data.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", data.Usage)
	}
}

func TestDecodeResponseOpenAIToolCalls(t *testing.T) {
	body := `{"choices":[{"message":{"content":null,"tool_calls":[{"id":"call_1","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}]},"finish_reason":"tool_calls"}]}`
	msg := &decoder.Message{StatusCode: 200, Body: []byte(body)}
	data := DecodeResponse(msg, entryFor(t, "api.openai.com", "/v1/chat/completions"))

	if len(data.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(data.ToolCalls))
	}
	tc := data.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "get_weather" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Input["city"] != "Oslo" {
		t.Errorf("input = %v", tc.Input)
	}
}

func TestDecodeResponseAnthropicToolUse(t *testing.T) {
	body := `{"model":"claude-sonnet-4-5","content":[{"type":"text","text":"Checking."},{"type":"tool_use","id":"toolu_1","name":"search","input":{"q":"go"}}],"stop_reason":"tool_use","usage":{"input_tokens":20,"output_tokens":15}}`
	msg := &decoder.Message{StatusCode: 200, Body: []byte(body)}
	data := DecodeResponse(msg, entryFor(t, "api.anthropic.com", "/v1/messages"))

	if data.Content != "Checking." {
		t.Errorf("content = %q", data.Content)
	}
	if len(data.ToolCalls) != 1 || data.ToolCalls[0].Name != "search" {
		t.Errorf("tool calls = %+v", data.ToolCalls)
	}
	if data.Usage.TotalTokens != 35 {
		t.Errorf("derived total = %d, want 35", data.Usage.TotalTokens)
	}
}

func TestDecodeResponseErrorBody(t *testing.T) {
	body := `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`
	msg := &decoder.Message{StatusCode: 401, Body: []byte(body)}
	data := DecodeResponse(msg, entryFor(t, "api.openai.com", "/v1/chat/completions"))

	if data.Success {
		t.Error("401 response marked success")
	}
	if data.Error != "invalid api key" {
		t.Errorf("error = %q", data.Error)
	}
}

// Spec scenario: OpenAI streaming accumulation.
func TestStreamAccumulatorOpenAI(t *testing.T) {
	ent := entryFor(t, "api.openai.com", "/v1/chat/completions")
	acc := NewStreamAccumulator(ent, envelope.ProviderRef{Name: "openai", Endpoint: "api.openai.com"})

	recs := []decoder.SSERecord{
		{Data: `{"model":"gpt-4o-mini","choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`},
		{Data: `{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`},
		{Data: `{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`},
		{Data: `[DONE]`},
	}
	var deltas []string
	for _, r := range recs {
		if d := acc.Feed(r); d != "" {
			deltas = append(deltas, d)
		}
	}

	if !acc.Done() {
		t.Error("accumulator not done after [DONE]")
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}

	data := acc.Finalize(false)
	if data.Content != "Hello" {
		t.Errorf("content = %q", data.Content)
	}
	if data.FinishReason != "stop" || !data.Success {
		t.Errorf("finish=%q success=%v", data.FinishReason, data.Success)
	}
	if data.Usage == nil || data.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", data.Usage)
	}
	if data.Model.ID != "gpt-4o-mini" {
		t.Errorf("model = %q", data.Model.ID)
	}
}

// Spec scenario 2: Anthropic streaming with usage in message_delta.
func TestStreamAccumulatorAnthropic(t *testing.T) {
	ent := entryFor(t, "api.anthropic.com", "/v1/messages")
	acc := NewStreamAccumulator(ent, envelope.ProviderRef{Name: "anthropic", Endpoint: "api.anthropic.com"})

	recs := []decoder.SSERecord{
		{Event: "message_start", Data: `{"message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":12}}}`},
		{Event: "content_block_start", Data: `{"index":0,"content_block":{"type":"text"}}`},
		{Event: "content_block_delta", Data: `{"index":0,"delta":{"type":"text_delta","text":"Hel"}}`},
		{Event: "content_block_delta", Data: `{"index":0,"delta":{"type":"text_delta","text":"lo"}}`},
		{Event: "content_block_stop", Data: `{"index":0}`},
		{Event: "message_delta", Data: `{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`},
		{Event: "message_stop", Data: `{}`},
	}
	for _, r := range recs {
		acc.Feed(r)
	}

	if !acc.Done() {
		t.Error("not done after message_stop")
	}
	data := acc.Finalize(false)
	if data.Content != "Hello" {
		t.Errorf("content = %q", data.Content)
	}
	if !data.Success || data.FinishReason != "end_turn" {
		t.Errorf("success=%v finish=%q", data.Success, data.FinishReason)
	}
	if data.Usage == nil || data.Usage.CompletionTokens != 2 || data.Usage.PromptTokens != 12 {
		t.Errorf("usage = %+v", data.Usage)
	}
	if data.Usage.TotalTokens != 14 {
		t.Errorf("derived total = %d", data.Usage.TotalTokens)
	}
}

func TestStreamAccumulatorAnthropicToolUse(t *testing.T) {
	ent := entryFor(t, "api.anthropic.com", "/v1/messages")
	acc := NewStreamAccumulator(ent, envelope.ProviderRef{Name: "anthropic"})

	recs := []decoder.SSERecord{
		{Event: "message_start", Data: `{"message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":3}}}`},
		{Event: "content_block_start", Data: `{"index":0,"content_block":{"type":"tool_use","id":"toolu_9","name":"lookup"}}`},
		{Event: "content_block_delta", Data: `{"index":0,"delta":{"type":"input_json_delta","partial_json":"{\"key\":"}}`},
		{Event: "content_block_delta", Data: `{"index":0,"delta":{"type":"input_json_delta","partial_json":"\"v\"}"}}`},
		{Event: "content_block_stop", Data: `{"index":0}`},
		{Event: "message_delta", Data: `{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`},
		{Event: "message_stop", Data: `{}`},
	}
	for _, r := range recs {
		acc.Feed(r)
	}

	data := acc.Finalize(false)
	if len(data.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(data.ToolCalls))
	}
	tc := data.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Name != "lookup" || tc.Input["key"] != "v" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestStreamAccumulatorAbortedStream(t *testing.T) {
	ent := entryFor(t, "api.anthropic.com", "/v1/messages")
	acc := NewStreamAccumulator(ent, envelope.ProviderRef{Name: "anthropic"})
	acc.Feed(decoder.SSERecord{Event: "message_start", Data: `{"message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":1}}}`})
	acc.Feed(decoder.SSERecord{Event: "content_block_delta", Data: `{"index":0,"delta":{"type":"text_delta","text":"par"}}`})

	data := acc.Finalize(true)
	if data.Success {
		t.Error("aborted stream marked success")
	}
	if data.FinishReason != "connection_closed" {
		t.Errorf("finish = %q", data.FinishReason)
	}
	if data.Content != "par" {
		t.Errorf("partial content = %q", data.Content)
	}
}

func TestStreamAccumulatorGoogle(t *testing.T) {
	ent := entryFor(t, "generativelanguage.googleapis.com", "/v1beta/models/gemini-2.0-flash:streamGenerateContent")
	acc := NewStreamAccumulator(ent, envelope.ProviderRef{Name: "google_generative"})

	acc.Feed(decoder.SSERecord{Data: `{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`})
	acc.Feed(decoder.SSERecord{Data: `{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`})

	if !acc.Done() {
		t.Error("not done after finishReason")
	}
	data := acc.Finalize(false)
	if data.Content != "Hello" || data.Usage.TotalTokens != 6 {
		t.Errorf("content=%q usage=%+v", data.Content, data.Usage)
	}
}

func TestDecodeRequestBedrock(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"hi"}],"max_tokens":50,"anthropic_version":"bedrock-2023-05-31"}`
	msg := &decoder.Message{
		IsRequest: true,
		Path:      "/model/anthropic.claude-sonnet-4-5/invoke",
		Host:      "bedrock-runtime.amazonaws.com",
		Body:      []byte(body),
	}
	data := DecodeRequest(msg, entryFor(t, "bedrock-runtime.amazonaws.com", msg.Path))
	if data.Model.ID != "anthropic.claude-sonnet-4-5" {
		t.Errorf("model = %q", data.Model.ID)
	}
	if data.Model.Family != "claude" {
		t.Errorf("family = %q", data.Model.Family)
	}
	if data.MessagesCount != 1 {
		t.Errorf("messages_count = %d", data.MessagesCount)
	}
}
