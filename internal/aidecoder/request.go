package aidecoder

import (
	"encoding/json"
	"strings"

	"github.com/oximy/oisp/internal/decoder"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/provider"
)

// DecodeRequest normalizes a completed request message for the resolved
// provider. A payload that fails to parse still yields a request record,
// marked degraded, so no observed call disappears from the event stream.
func DecodeRequest(msg *decoder.Message, ent provider.Entry) *envelope.AiRequestData {
	data := &envelope.AiRequestData{
		Provider:    providerRef(ent, msg),
		RequestType: requestType(msg.Path),
	}

	var ok bool
	switch ent.Dialect {
	case provider.DialectAnthropic:
		ok = parseAnthropicRequest(msg.Body, data)
	case provider.DialectGoogle:
		ok = parseGoogleRequest(msg.Path, msg.Body, data)
	case provider.DialectBedrock:
		ok = parseBedrockRequest(msg.Path, msg.Body, data)
	default:
		ok = parseOpenAIRequest(msg.Body, data)
	}
	if !ok {
		data.ParseQuality = ParseQualityDegraded
	}

	data.Model.Family = modelFamily(data.Model.ID)
	return data
}

type openAIRequestWire struct {
	Model       string           `json:"model"`
	Messages    []map[string]any `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature"`
	MaxTokens   *int             `json:"max_tokens"`
	TopP        *float64         `json:"top_p"`
	Tools       []struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
	Input any `json:"input"` // embeddings
}

func parseOpenAIRequest(body []byte, data *envelope.AiRequestData) bool {
	var wire openAIRequestWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}

	data.Model.ID = wire.Model
	data.Streaming = wire.Stream
	data.Parameters = envelope.Parameters{
		Temperature: wire.Temperature,
		MaxTokens:   wire.MaxTokens,
		TopP:        wire.TopP,
	}
	for _, t := range wire.Tools {
		if t.Function.Name != "" {
			data.Parameters.Tools = append(data.Parameters.Tools, t.Function.Name)
		}
	}

	for _, m := range wire.Messages {
		role, _ := m["role"].(string)
		if role == "system" || role == "developer" {
			data.HasSystemPrompt = true
		}
		data.Messages = append(data.Messages, envelope.Message{
			Role:    role,
			Content: flattenContent(m["content"]),
		})
	}
	data.MessagesCount = len(wire.Messages)
	return true
}

type anthropicRequestWire struct {
	Model       string           `json:"model"`
	Messages    []map[string]any `json:"messages"`
	System      any              `json:"system"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature"`
	MaxTokens   *int             `json:"max_tokens"`
	TopP        *float64         `json:"top_p"`
	Tools       []struct {
		Name string `json:"name"`
	} `json:"tools"`
}

func parseAnthropicRequest(body []byte, data *envelope.AiRequestData) bool {
	var wire anthropicRequestWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}

	data.Model.ID = wire.Model
	data.Streaming = wire.Stream
	data.Parameters = envelope.Parameters{
		Temperature: wire.Temperature,
		MaxTokens:   wire.MaxTokens,
		TopP:        wire.TopP,
	}
	for _, t := range wire.Tools {
		data.Parameters.Tools = append(data.Parameters.Tools, t.Name)
	}

	if wire.System != nil {
		if s := flattenContent(wire.System); s != "" {
			data.HasSystemPrompt = true
			data.Messages = append(data.Messages, envelope.Message{Role: "system", Content: s})
		}
	}
	for _, m := range wire.Messages {
		role, _ := m["role"].(string)
		data.Messages = append(data.Messages, envelope.Message{
			Role:    role,
			Content: flattenContent(m["content"]),
		})
	}
	data.MessagesCount = len(wire.Messages)
	return true
}

type googleRequestWire struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	SystemInstruction *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	GenerationConfig struct {
		Temperature     *float64 `json:"temperature"`
		MaxOutputTokens *int     `json:"maxOutputTokens"`
		TopP            *float64 `json:"topP"`
	} `json:"generationConfig"`
}

// parseGoogleRequest handles generateContent/streamGenerateContent. The model
// id lives in the path: /v1beta/models/gemini-2.0-flash:generateContent.
func parseGoogleRequest(path string, body []byte, data *envelope.AiRequestData) bool {
	data.Model.ID = googleModelFromPath(path)
	data.Streaming = strings.Contains(strings.ToLower(path), ":streamgeneratecontent")

	var wire googleRequestWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}

	data.Parameters = envelope.Parameters{
		Temperature: wire.GenerationConfig.Temperature,
		MaxTokens:   wire.GenerationConfig.MaxOutputTokens,
		TopP:        wire.GenerationConfig.TopP,
	}

	if wire.SystemInstruction != nil {
		var sb strings.Builder
		for _, p := range wire.SystemInstruction.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			data.HasSystemPrompt = true
			data.Messages = append(data.Messages, envelope.Message{Role: "system", Content: sb.String()})
		}
	}
	for _, c := range wire.Contents {
		var sb strings.Builder
		for _, p := range c.Parts {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(p.Text)
		}
		role := c.Role
		if role == "" {
			role = "user"
		}
		data.Messages = append(data.Messages, envelope.Message{Role: role, Content: sb.String()})
	}
	data.MessagesCount = len(wire.Contents)
	return true
}

func googleModelFromPath(path string) string {
	const marker = "/models/"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '?'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// parseBedrockRequest handles /model/{modelId}/invoke and converse paths.
// Invoke bodies follow the underlying vendor's dialect, so the Anthropic
// parse is attempted first, then the OpenAI shape.
func parseBedrockRequest(path string, body []byte, data *envelope.AiRequestData) bool {
	data.Model.ID = bedrockModelFromPath(path)
	data.Streaming = strings.Contains(path, "-with-response-stream")

	if parseAnthropicRequest(body, data) && data.MessagesCount > 0 {
		// Anthropic-on-Bedrock bodies omit model; the path carries it.
		data.Model.ID = bedrockModelFromPath(path)
		return true
	}
	prev := data.Model.ID
	if parseOpenAIRequest(body, data) {
		data.Model.ID = prev
		return true
	}
	return false
}

func bedrockModelFromPath(path string) string {
	const marker = "/model/"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
