// Package envelope defines the OISP v0.1 wire event and its typed data payloads.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Version is the OISP wire format version this package produces.
const Version = "0.1"

// Event types emitted by the core.
const (
	TypeAiRequest       = "ai.request"
	TypeAiResponse      = "ai.response"
	TypeAiStreamingDelta = "ai.streaming_delta"
	TypeAiRequestTimeout = "ai.request_timeout"
	TypeProcessExec     = "process.exec"
	TypeProcessExit     = "process.exit"
	TypeFileOpen        = "file.open"
	TypeNetConnect      = "net.connect"
)

// Source identifies the component that produced an event.
type Source struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Confidence records how certain the core is about the extracted data,
// and by what method it arrived at it (e.g. "exact" vs "heuristic").
type Confidence struct {
	Score  float64 `json:"score"`
	Method string  `json:"method"`
}

// Process is optional OS process context attached by the enrichment stage.
type Process struct {
	PID     int    `json:"pid"`
	PPID    int    `json:"ppid,omitempty"`
	Exe     string `json:"exe,omitempty"`
	Cmdline string `json:"cmdline,omitempty"`
	UID     int    `json:"uid,omitempty"`
	User    string `json:"user,omitempty"`
	Comm    string `json:"comm,omitempty"`
}

// Host is optional host context.
type Host struct {
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
}

// Event is the canonical OISP v0.1 envelope. Data holds one of the
// type-specific payloads in this package (AiRequestData, AiResponseData, ...)
// already marshaled to json.RawMessage so the envelope itself never needs to
// know about every variant when merely being routed or stored.
type Event struct {
	OispVersion string          `json:"oisp_version"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	TS          time.Time       `json:"ts"`
	Source      Source          `json:"source"`
	Confidence  Confidence      `json:"confidence"`
	Process     *Process        `json:"process,omitempty"`
	Host        *Host           `json:"host,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// New builds an envelope around data, generating a fresh ULID event_id and
// stamping ts as now (UTC, microsecond precision per the wire format).
func New(eventType string, source Source, confidence Confidence, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling event data: %w", err)
	}
	return &Event{
		OispVersion: Version,
		EventID:     ulid.Make().String(),
		EventType:   eventType,
		TS:          time.Now().UTC().Round(time.Microsecond),
		Source:      source,
		Confidence:  confidence,
		Data:        raw,
	}, nil
}

// MarshalCanonical returns the canonical single-line JSON form used by the
// JSONL sink and export endpoints: object keys follow struct field order,
// ts is RFC3339 with microsecond precision, no trailing newline.
func (e *Event) MarshalCanonical() ([]byte, error) {
	type alias Event
	cp := *e
	cp.TS = cp.TS.UTC()
	return json.Marshal((*alias)(&cp))
}

// Unmarshal parses a canonical OISP JSON line back into an Event. Used by
// the replay producer and by round-trip tests.
func Unmarshal(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the required-field invariants from the wire format spec.
func (e *Event) Validate() error {
	if e.OispVersion != Version {
		return fmt.Errorf("unsupported oisp_version %q", e.OispVersion)
	}
	if e.EventID == "" {
		return fmt.Errorf("missing event_id")
	}
	if e.EventType == "" {
		return fmt.Errorf("missing event_type")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("missing ts")
	}
	if e.Source.Type == "" {
		return fmt.Errorf("missing source.type")
	}
	return nil
}

// Provider identifies the AI backend an event pertains to.
type ProviderRef struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// Model identifies the model referenced by a request or response.
type ModelRef struct {
	ID     string `json:"id"`
	Family string `json:"family,omitempty"`
}

// Message is a normalized chat message, included in AiRequestData when not
// redacted away.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

// Parameters holds normalized request parameters common across dialects.
type Parameters struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// RequestType enumerates the normalized request shapes the decoder knows.
type RequestType string

const (
	RequestChat       RequestType = "chat"
	RequestCompletion RequestType = "completion"
	RequestEmbedding  RequestType = "embedding"
	RequestImage      RequestType = "image"
)

// AiRequestData is the normalized `data` payload of an ai.request event.
type AiRequestData struct {
	Provider         ProviderRef `json:"provider"`
	Model            ModelRef    `json:"model"`
	RequestType      RequestType `json:"request_type"`
	Streaming        bool        `json:"streaming"`
	MessagesCount    int         `json:"messages_count"`
	HasSystemPrompt  bool        `json:"has_system_prompt"`
	Parameters       Parameters  `json:"parameters"`
	Messages         []Message   `json:"messages,omitempty"`
	ParseQuality     string      `json:"parse_quality,omitempty"`
}

// ToolCall is a normalized tool/function invocation extracted from a response.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage is normalized token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AiResponseData is the normalized `data` payload of an ai.response event.
type AiResponseData struct {
	RequestID    string      `json:"request_id"`
	Unmatched    bool        `json:"unmatched,omitempty"`
	Provider     ProviderRef `json:"provider"`
	Model        ModelRef    `json:"model"`
	Success      bool        `json:"success"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *Usage      `json:"usage,omitempty"`
	LatencyMs    int64       `json:"latency_ms"`
	Content      string      `json:"content,omitempty"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	Error        string      `json:"error,omitempty"`
	ParseQuality string      `json:"parse_quality,omitempty"`
}

// StreamingDeltaData is the `data` payload of an internal ai.streaming_delta
// event. These are only exported to sinks when configured.
type StreamingDeltaData struct {
	RequestID string `json:"request_id"`
	Sequence  int    `json:"sequence"`
	Delta     string `json:"delta"`
}
