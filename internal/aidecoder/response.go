package aidecoder

import (
	"encoding/json"

	"github.com/oximy/oisp/internal/decoder"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/provider"
)

// DecodeResponse normalizes a completed non-streaming response message.
// Streaming responses go through StreamAccumulator instead.
func DecodeResponse(msg *decoder.Message, ent provider.Entry) *envelope.AiResponseData {
	data := &envelope.AiResponseData{
		Provider: providerRef(ent, msg),
		Success:  msg.StatusCode >= 200 && msg.StatusCode < 300,
	}

	var ok bool
	switch ent.Dialect {
	case provider.DialectAnthropic:
		ok = parseAnthropicResponse(msg.Body, data)
	case provider.DialectGoogle:
		ok = parseGoogleResponse(msg.Body, data)
	case provider.DialectBedrock:
		ok = parseAnthropicResponse(msg.Body, data) || parseOpenAIResponse(msg.Body, data)
	default:
		ok = parseOpenAIResponse(msg.Body, data)
	}
	if !ok {
		data.ParseQuality = ParseQualityDegraded
	}

	data.Model.Family = modelFamily(data.Model.ID)
	deriveTotals(data.Usage)
	return data
}

type openAIResponseWire struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func parseOpenAIResponse(body []byte, data *envelope.AiResponseData) bool {
	var wire openAIResponseWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}

	data.Model.ID = wire.Model
	if wire.Error != nil {
		data.Success = false
		data.Error = wire.Error.Message
	}
	if wire.Usage != nil {
		data.Usage = &envelope.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	if len(wire.Choices) > 0 {
		choice := wire.Choices[0]
		data.Content = choice.Message.Content
		data.FinishReason = choice.FinishReason
		for _, tc := range choice.Message.ToolCalls {
			data.ToolCalls = append(data.ToolCalls, envelope.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: parseToolArgs(tc.Function.Arguments),
			})
		}
	}
	return true
}

type anthropicResponseWire struct {
	Model   string `json:"model"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseAnthropicResponse(body []byte, data *envelope.AiResponseData) bool {
	var wire anthropicResponseWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}
	if wire.Model == "" && wire.Error == nil && len(wire.Content) == 0 {
		// Not an Anthropic-shaped body; let the caller try another dialect.
		return false
	}

	data.Model.ID = wire.Model
	data.FinishReason = wire.StopReason
	if wire.Error != nil {
		data.Success = false
		data.Error = wire.Error.Message
	}
	if wire.Usage != nil {
		data.Usage = &envelope.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
		}
	}

	var text string
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				json.Unmarshal(block.Input, &input)
			}
			data.ToolCalls = append(data.ToolCalls, envelope.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	data.Content = text
	return true
}

type googleResponseWire struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseGoogleResponse(body []byte, data *envelope.AiResponseData) bool {
	var wire googleResponseWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}

	data.Model.ID = wire.ModelVersion
	if wire.Error != nil {
		data.Success = false
		data.Error = wire.Error.Message
	}
	if wire.UsageMetadata != nil {
		data.Usage = &envelope.Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}
	if len(wire.Candidates) > 0 {
		cand := wire.Candidates[0]
		data.FinishReason = cand.FinishReason
		var text string
		for _, p := range cand.Content.Parts {
			text += p.Text
			if p.FunctionCall != nil {
				var input map[string]any
				if len(p.FunctionCall.Args) > 0 {
					json.Unmarshal(p.FunctionCall.Args, &input)
				}
				data.ToolCalls = append(data.ToolCalls, envelope.ToolCall{
					Name:  p.FunctionCall.Name,
					Input: input,
				})
			}
		}
		data.Content = text
	}
	return true
}

// parseToolArgs decodes an OpenAI-style JSON-string arguments payload.
// Malformed arguments yield nil rather than failing the whole event.
func parseToolArgs(args string) map[string]any {
	if args == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err != nil {
		return nil
	}
	return m
}
