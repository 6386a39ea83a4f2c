// Package aidecoder normalizes completed HTTP messages into dialect-free AI
// request/response payloads. Each provider dialect (OpenAI-style, Anthropic,
// Google, Bedrock, OpenAI-compatible) owns its parse logic; the output is
// the envelope's normalized shape regardless of the wire dialect.
package aidecoder

import (
	"strings"

	"github.com/oximy/oisp/internal/decoder"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/provider"
)

// ParseQualityDegraded marks events whose payload could not be fully parsed.
// Events are never dropped solely for payload issues; whatever fields were
// salvaged ride along under this marker.
const ParseQualityDegraded = "degraded"

// requestType classifies the endpoint from its path.
func requestType(path string) envelope.RequestType {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "/embeddings") || strings.Contains(p, ":embedcontent") || strings.Contains(p, ":batchembedcontents"):
		return envelope.RequestEmbedding
	case strings.Contains(p, "/images"):
		return envelope.RequestImage
	case strings.Contains(p, "/chat/completions"),
		strings.Contains(p, "/v1/messages"),
		strings.Contains(p, ":generatecontent"),
		strings.Contains(p, ":streamgeneratecontent"),
		strings.Contains(p, "/converse"),
		strings.Contains(p, "/api/chat"):
		return envelope.RequestChat
	case strings.Contains(p, "/completions") || strings.Contains(p, "/v1/complete") || strings.Contains(p, "/api/generate"):
		return envelope.RequestCompletion
	}
	return envelope.RequestChat
}

// modelFamily derives a coarse family from a model id: "gpt-4o-mini" -> "gpt",
// "claude-sonnet-4-5" -> "claude". Empty when the id gives no hint.
func modelFamily(id string) string {
	lower := strings.ToLower(id)
	for _, fam := range []string{"gpt", "o1", "o3", "claude", "gemini", "llama", "mistral", "mixtral", "command", "deepseek", "qwen", "titan", "nova", "phi", "sonar"} {
		if strings.HasPrefix(lower, fam) {
			return fam
		}
	}
	// Bedrock ids carry a vendor prefix: anthropic.claude-..., amazon.titan-...
	if i := strings.IndexByte(lower, '.'); i > 0 {
		return modelFamily(lower[i+1:])
	}
	return ""
}

// providerRef builds the envelope's provider reference for a message.
func providerRef(ent provider.Entry, msg *decoder.Message) envelope.ProviderRef {
	endpoint := msg.Host
	if endpoint == "" && len(ent.HostPatterns) > 0 {
		endpoint = ent.HostPatterns[0]
	}
	return envelope.ProviderRef{Name: ent.Name, Endpoint: endpoint}
}

// flattenContent turns an OpenAI/Anthropic message content value (string or
// array of typed parts) into plain text. Non-text parts are skipped.
func flattenContent(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, part := range c {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(t)
			}
		}
		return sb.String()
	}
	return ""
}

// deriveTotals fills usage.total_tokens as prompt+completion when absent.
func deriveTotals(u *envelope.Usage) {
	if u != nil && u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
}
