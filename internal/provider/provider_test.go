package provider

import "testing"

func TestMatchHostPattern(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		{"api.openai.com", "api.openai.com", true},
		{"API.OpenAI.com", "api.openai.com", true},
		{"api.openai.com:443", "api.openai.com", true},
		{"api.anthropic.com", "anthropic.com", true},
		{"anthropic.com", "anthropic.com", true},
		{"misanthropic.com", "anthropic.com", false},
		{"evil-api.openai.com.attacker.net", "openai.com", false},
		{"myres.openai.azure.com", "*.openai.azure.com", true},
		{"openai.azure.com", "*.openai.azure.com", false},
		{"localhost:11434", "localhost", true},
		{"api.openai.com", "api.mistral.ai", false},
	}
	for _, tt := range tests {
		t.Run(tt.host+"~"+tt.pattern, func(t *testing.T) {
			if got := MatchHostPattern(tt.host, tt.pattern); got != tt.want {
				t.Errorf("MatchHostPattern(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatchDomainSuffixRejectsWildcards(t *testing.T) {
	if MatchDomainSuffix("a.openai.azure.com", "*.openai.azure.com") {
		t.Error("wildcard pattern accepted through the suffix-only entry point")
	}
	if !MatchDomainSuffix("sub.example.com", "example.com") {
		t.Error("plain suffix rejected")
	}
}

func TestDetectEntryKnownProviders(t *testing.T) {
	tests := []struct {
		host     string
		path     string
		wantName string
		wantDial Dialect
	}{
		{"api.openai.com", "/v1/chat/completions", "openai", DialectOpenAI},
		{"api.anthropic.com", "/v1/messages", "anthropic", DialectAnthropic},
		{"myres.openai.azure.com", "/openai/deployments/gpt4/chat/completions", "azure_openai", DialectOpenAI},
		{"generativelanguage.googleapis.com", "/v1beta/models/gemini-2.0-flash:generateContent", "google_generative", DialectGoogle},
		{"us-central1-aiplatform.googleapis.com", "/v1/projects/p/locations/l/publishers/google/models/gemini:generateContent", "google_vertex", DialectGoogle},
		{"bedrock-runtime.us-east-1.amazonaws.com", "/model/anthropic.claude-sonnet-4-5/invoke", "bedrock", DialectBedrock},
		{"api.mistral.ai", "/v1/chat/completions", "mistral", DialectOpenAICompatible},
		{"api.groq.com", "/openai/v1/chat/completions", "groq", DialectOpenAICompatible},
		{"localhost:11434", "/api/chat", "ollama", DialectOpenAICompatible},
		{"api.deepseek.com", "/v1/chat/completions", "deepseek", DialectOpenAICompatible},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			ent, ok := DetectEntry(tt.host, tt.path)
			if !ok {
				t.Fatalf("DetectEntry(%q, %q) found nothing", tt.host, tt.path)
			}
			if ent.Name != tt.wantName {
				t.Errorf("name = %q, want %q", ent.Name, tt.wantName)
			}
			if ent.Dialect != tt.wantDial {
				t.Errorf("dialect = %q, want %q", ent.Dialect, tt.wantDial)
			}
		})
	}
}

// The most-specific (longest) host pattern wins when several match.
func TestDetectEntryLongestPatternWins(t *testing.T) {
	// "api.openai.com" and "openai.com" both match; the exact host entry
	// carries the longer pattern.
	ent, ok := DetectEntry("api.openai.com", "/v1/chat/completions")
	if !ok || ent.Name != "openai" {
		t.Fatalf("entry = %+v, ok = %v", ent, ok)
	}

	// bedrock's regional wildcard beats nothing else on amazonaws.com.
	ent, ok = DetectEntry("bedrock-runtime.eu-west-1.amazonaws.com", "/model/x/invoke")
	if !ok || ent.Name != "bedrock" {
		t.Fatalf("regional bedrock entry = %+v, ok = %v", ent, ok)
	}
}

func TestDetectEntryFallback(t *testing.T) {
	ent, ok := DetectEntry("llm.internal.corp", "/v1/chat/completions")
	if !ok {
		t.Fatal("chat-completions path on unknown host should hit the fallback")
	}
	if ent.Name != "openai_compatible" || ent.Dialect != DialectOpenAICompatible {
		t.Errorf("fallback entry = %+v", ent)
	}

	if _, ok := DetectEntry("example.com", "/index.html"); ok {
		t.Error("non-AI host+path matched an entry")
	}
}

func TestRegistryShouldIntercept(t *testing.T) {
	r := NewRegistry("internal.llm.corp")

	for _, host := range []string{"api.openai.com:443", "api.anthropic.com", "gw.internal.llm.corp"} {
		if !r.ShouldIntercept(host) {
			t.Errorf("ShouldIntercept(%q) = false", host)
		}
	}
	for _, host := range []string{"example.com", "github.com:443"} {
		if r.ShouldIntercept(host) {
			t.Errorf("ShouldIntercept(%q) = true", host)
		}
	}
}

func TestEntriesCoversSpecProviders(t *testing.T) {
	want := []string{
		"openai", "anthropic", "azure_openai", "google_generative",
		"google_vertex", "bedrock", "cohere", "mistral", "groq",
		"together", "fireworks", "perplexity", "openrouter", "ollama",
		"deepseek",
	}
	have := make(map[string]bool)
	for _, e := range Entries() {
		have[e.Name] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("provider %q missing from the registry table", name)
		}
	}
}
