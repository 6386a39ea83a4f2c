package aidecoder

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/oximy/oisp/internal/decoder"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/provider"
)

// StreamAccumulator rebuilds a streaming response from its SSE records. One
// accumulator lives on each pending correlator entry; records are fed in
// arrival order and Finalize produces the authoritative response payload.
//
// OpenAI-style streams accumulate choices[0].delta across records and end on
// [DONE] or a non-null finish_reason. Anthropic streams run the block state
// machine message_start -> content_block_start -> content_block_delta* ->
// content_block_stop -> message_delta -> message_stop. Google streams carry
// whole candidate fragments per record.
type StreamAccumulator struct {
	dialect provider.Dialect
	ref     envelope.ProviderRef

	model        string
	content      strings.Builder
	finishReason string
	usage        *envelope.Usage
	done         bool
	records      int
	parseErrs    int

	// OpenAI tool-call fragments, keyed by stream index.
	toolFrags map[int]*toolFragment

	// Anthropic content blocks, keyed by block index.
	blocks map[int]*blockState
}

type toolFragment struct {
	id   string
	name string
	args strings.Builder
}

type blockState struct {
	kind string // "text" or "tool_use"
	id   string
	name string
	text strings.Builder
	json strings.Builder
}

// NewStreamAccumulator builds an accumulator for the given dialect.
func NewStreamAccumulator(ent provider.Entry, ref envelope.ProviderRef) *StreamAccumulator {
	return &StreamAccumulator{
		dialect:   ent.Dialect,
		ref:       ref,
		toolFrags: make(map[int]*toolFragment),
		blocks:    make(map[int]*blockState),
	}
}

// Feed consumes one SSE record and returns the text delta it carried, if
// any, for surfacing as an internal ai.streaming_delta event.
func (a *StreamAccumulator) Feed(rec decoder.SSERecord) string {
	a.records++
	switch a.dialect {
	case provider.DialectAnthropic:
		return a.feedAnthropic(rec)
	case provider.DialectGoogle:
		return a.feedGoogle(rec)
	default:
		return a.feedOpenAI(rec)
	}
}

// Done reports whether the stream's terminal record has been seen.
func (a *StreamAccumulator) Done() bool { return a.done }

// Records returns how many SSE records have been fed.
func (a *StreamAccumulator) Records() int { return a.records }

// Finalize assembles the normalized response. aborted marks streams cut by
// connection close before their terminal record.
func (a *StreamAccumulator) Finalize(aborted bool) *envelope.AiResponseData {
	data := &envelope.AiResponseData{
		Provider:     a.ref,
		Model:        envelope.ModelRef{ID: a.model, Family: modelFamily(a.model)},
		Success:      !aborted,
		FinishReason: a.finishReason,
		Usage:        a.usage,
		Content:      a.content.String(),
	}
	if aborted {
		data.FinishReason = "connection_closed"
	}
	if a.parseErrs > 0 {
		data.ParseQuality = ParseQualityDegraded
	}

	// Collect tool calls in stream order.
	if len(a.toolFrags) > 0 {
		idxs := make([]int, 0, len(a.toolFrags))
		for i := range a.toolFrags {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			f := a.toolFrags[i]
			data.ToolCalls = append(data.ToolCalls, envelope.ToolCall{
				ID:    f.id,
				Name:  f.name,
				Input: parseToolArgs(f.args.String()),
			})
		}
	}
	if len(a.blocks) > 0 {
		idxs := make([]int, 0, len(a.blocks))
		for i := range a.blocks {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			b := a.blocks[i]
			if b.kind != "tool_use" {
				continue
			}
			data.ToolCalls = append(data.ToolCalls, envelope.ToolCall{
				ID:    b.id,
				Name:  b.name,
				Input: parseToolArgs(b.json.String()),
			})
		}
	}

	deriveTotals(data.Usage)
	return data
}

type openAIChunkWire struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *StreamAccumulator) feedOpenAI(rec decoder.SSERecord) string {
	payload := strings.TrimSpace(rec.Data)
	if payload == "[DONE]" {
		a.done = true
		return ""
	}
	if payload == "" {
		return ""
	}

	var chunk openAIChunkWire
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		a.parseErrs++
		return ""
	}

	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Usage != nil {
		a.usage = &envelope.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return ""
	}

	choice := chunk.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		a.finishReason = *choice.FinishReason
		a.done = true
	}
	for _, tc := range choice.Delta.ToolCalls {
		frag, ok := a.toolFrags[tc.Index]
		if !ok {
			frag = &toolFragment{}
			a.toolFrags[tc.Index] = frag
		}
		if tc.ID != "" {
			frag.id = tc.ID
		}
		if tc.Function.Name != "" {
			frag.name = tc.Function.Name
		}
		frag.args.WriteString(tc.Function.Arguments)
	}

	if choice.Delta.Content != "" {
		a.content.WriteString(choice.Delta.Content)
	}
	return choice.Delta.Content
}

func (a *StreamAccumulator) feedAnthropic(rec decoder.SSERecord) string {
	switch rec.Event {
	case "message_start":
		var ev struct {
			Message struct {
				Model string `json:"model"`
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(rec.Data), &ev); err != nil {
			a.parseErrs++
			return ""
		}
		a.model = ev.Message.Model
		if a.usage == nil {
			a.usage = &envelope.Usage{}
		}
		a.usage.PromptTokens = ev.Message.Usage.InputTokens

	case "content_block_start":
		var ev struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal([]byte(rec.Data), &ev); err != nil {
			a.parseErrs++
			return ""
		}
		a.blocks[ev.Index] = &blockState{
			kind: ev.ContentBlock.Type,
			id:   ev.ContentBlock.ID,
			name: ev.ContentBlock.Name,
		}

	case "content_block_delta":
		var ev struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(rec.Data), &ev); err != nil {
			a.parseErrs++
			return ""
		}
		block, ok := a.blocks[ev.Index]
		if !ok {
			block = &blockState{kind: "text"}
			a.blocks[ev.Index] = block
		}
		switch ev.Delta.Type {
		case "input_json_delta":
			block.json.WriteString(ev.Delta.PartialJSON)
		default:
			block.text.WriteString(ev.Delta.Text)
			a.content.WriteString(ev.Delta.Text)
			return ev.Delta.Text
		}

	case "message_delta":
		var ev struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(rec.Data), &ev); err != nil {
			a.parseErrs++
			return ""
		}
		if ev.Delta.StopReason != "" {
			a.finishReason = ev.Delta.StopReason
		}
		if a.usage == nil {
			a.usage = &envelope.Usage{}
		}
		a.usage.CompletionTokens = ev.Usage.OutputTokens

	case "message_stop":
		a.done = true

	case "error":
		var ev struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal([]byte(rec.Data), &ev) == nil && ev.Error.Message != "" {
			a.finishReason = "error"
		}
		a.done = true
	}
	return ""
}

func (a *StreamAccumulator) feedGoogle(rec decoder.SSERecord) string {
	payload := strings.TrimSpace(rec.Data)
	if payload == "" {
		return ""
	}

	var chunk googleResponseWire
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		a.parseErrs++
		return ""
	}

	if chunk.ModelVersion != "" {
		a.model = chunk.ModelVersion
	}
	if chunk.UsageMetadata != nil {
		a.usage = &envelope.Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}
	}
	var delta string
	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		for _, p := range cand.Content.Parts {
			delta += p.Text
		}
		a.content.WriteString(delta)
		if cand.FinishReason != "" {
			a.finishReason = cand.FinishReason
			a.done = true
		}
	}
	return delta
}
