package provider

import "strings"

// Dialect tags which wire-format family a provider's requests/responses
// follow, per the tagged-variant design (no open subtyping at runtime).
type Dialect string

const (
	DialectOpenAI           Dialect = "openai"
	DialectAnthropic        Dialect = "anthropic"
	DialectGoogle           Dialect = "google"
	DialectBedrock          Dialect = "bedrock"
	DialectOpenAICompatible Dialect = "openai_compatible"
)

// Entry describes one registry entry: the provider name, the host patterns
// it claims (exact, domain suffix, or *.wildcard), the endpoint path
// prefixes it recognizes, and the wire dialect its payloads follow.
type Entry struct {
	Name         string
	HostPatterns []string
	PathPrefixes []string
	Dialect      Dialect
}

// entries is the ordered provider table. Order does not determine matching
// (longest pattern wins), but keeps the table's intent readable top to
// bottom: the big hosted-API providers first, then OpenAI-compatible
// aggregators and local runtimes.
var entries = []Entry{
	{Name: "openai", HostPatterns: []string{"api.openai.com", "openai.com"}, PathPrefixes: []string{"/v1/chat/completions", "/v1/completions", "/v1/embeddings", "/v1/images"}, Dialect: DialectOpenAI},
	{Name: "anthropic", HostPatterns: []string{"api.anthropic.com", "anthropic.com", "claude.ai"}, PathPrefixes: []string{"/v1/messages", "/v1/complete"}, Dialect: DialectAnthropic},
	{Name: "azure_openai", HostPatterns: []string{"*.openai.azure.com", "openai.azure.com"}, PathPrefixes: []string{"/openai/deployments"}, Dialect: DialectOpenAI},
	{Name: "google_generative", HostPatterns: []string{"generativelanguage.googleapis.com"}, PathPrefixes: []string{"/v1beta/models", "/v1/models"}, Dialect: DialectGoogle},
	{Name: "google_vertex", HostPatterns: []string{"aiplatform.googleapis.com", "*.aiplatform.googleapis.com"}, PathPrefixes: []string{"/v1/projects"}, Dialect: DialectGoogle},
	{Name: "bedrock", HostPatterns: []string{"bedrock-runtime.amazonaws.com", "bedrock-runtime.*.amazonaws.com"}, PathPrefixes: []string{"/model"}, Dialect: DialectBedrock},
	{Name: "cohere", HostPatterns: []string{"api.cohere.ai", "api.cohere.com"}, PathPrefixes: []string{"/v1/chat", "/v2/chat"}, Dialect: DialectOpenAICompatible},
	{Name: "mistral", HostPatterns: []string{"api.mistral.ai"}, PathPrefixes: []string{"/v1/chat/completions"}, Dialect: DialectOpenAICompatible},
	{Name: "groq", HostPatterns: []string{"api.groq.com"}, PathPrefixes: []string{"/openai/v1/chat/completions"}, Dialect: DialectOpenAICompatible},
	{Name: "together", HostPatterns: []string{"api.together.xyz", "api.together.ai"}, PathPrefixes: []string{"/v1/chat/completions"}, Dialect: DialectOpenAICompatible},
	{Name: "fireworks", HostPatterns: []string{"api.fireworks.ai"}, PathPrefixes: []string{"/inference/v1/chat/completions"}, Dialect: DialectOpenAICompatible},
	{Name: "perplexity", HostPatterns: []string{"api.perplexity.ai"}, PathPrefixes: []string{"/chat/completions"}, Dialect: DialectOpenAICompatible},
	{Name: "openrouter", HostPatterns: []string{"openrouter.ai"}, PathPrefixes: []string{"/api/v1/chat/completions"}, Dialect: DialectOpenAICompatible},
	{Name: "ollama", HostPatterns: []string{"localhost", "127.0.0.1"}, PathPrefixes: []string{"/api/chat", "/api/generate", "/v1/chat/completions"}, Dialect: DialectOpenAICompatible},
	{Name: "deepseek", HostPatterns: []string{"api.deepseek.com"}, PathPrefixes: []string{"/v1/chat/completions"}, Dialect: DialectOpenAICompatible},
}

// DetectEntry resolves the registry entry for a (host, path) pair. Every
// entry whose host pattern matches competes; the most specific (longest)
// matching pattern wins. When no host matches and the path looks like a
// chat-completions call, the openai_compatible fallback applies.
func DetectEntry(host, path string) (Entry, bool) {
	var best Entry
	bestLen := -1
	for _, e := range entries {
		for _, pattern := range e.HostPatterns {
			if MatchHostPattern(host, pattern) && len(pattern) > bestLen {
				best = e
				bestLen = len(pattern)
			}
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	if strings.HasSuffix(path, "/chat/completions") {
		return openAICompatibleFallback, true
	}
	return Entry{}, false
}

var openAICompatibleFallback = Entry{
	Name:         "openai_compatible",
	PathPrefixes: []string{"/chat/completions"},
	Dialect:      DialectOpenAICompatible,
}

// Entries returns the static provider table, for callers (check command,
// docs, tests) that want to enumerate it.
func Entries() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
