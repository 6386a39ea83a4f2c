package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/oximy/oisp/internal/config"
	"github.com/oximy/oisp/internal/envelope"
)

// Mode selects the redaction tier applied to message content before export.
type Mode string

const (
	ModeMinimal Mode = "minimal" // explicit secrets only
	ModeSafe    Mode = "safe"    // minimal + PII (emails, cards, phones, IPs)
	ModeFull    Mode = "full"    // safe + custom patterns + high-entropy strings
)

// Token builds the deterministic replacement for a matched secret: equal
// originals produce equal tokens, without reversibility.
func Token(kind, match string) string {
	sum := sha256.Sum256([]byte(match))
	return fmt.Sprintf("⟨REDACTED:%s:%s⟩", kind, hex.EncodeToString(sum[:])[:12])
}

// tokenRe matches already-emitted redaction tokens so a second pass leaves
// them untouched; redaction is idempotent.
var tokenRe = regexp.MustCompile("⟨REDACTED:[a-z0-9_]+:[0-9a-f]{12}⟩")

type contentRule struct {
	kind     string
	re       *regexp.Regexp
	validate func(string) bool // optional post-match check (e.g. Luhn)
}

// minimalRules covers explicit secret shapes: provider API keys, bearer
// credentials, AWS access keys.
var minimalRules = []contentRule{
	{kind: "api_key", re: regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`)},
	{kind: "api_key", re: regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`)},
	{kind: "api_key", re: regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`)},
	{kind: "api_key", re: regexp.MustCompile(`key-[a-zA-Z0-9_-]{20,}`)},
	{kind: "aws_key", re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{kind: "bearer", re: regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._~+/-]{16,}=*`)},
	{kind: "gh_token", re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
}

// safeRules adds PII families on top of minimal.
var safeRules = []contentRule{
	{kind: "email", re: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{kind: "credit_card", re: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), validate: luhnValid},
	{kind: "phone", re: regexp.MustCompile(`\+\d{1,3}[ .-]?\(?\d{1,4}\)?(?:[ .-]?\d{2,4}){2,4}`)},
	{kind: "ip", re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), validate: plausibleIPv4},
}

// ContentRedactor applies the configured tier to message and response
// content. It operates on plain strings; the envelope-level entry point is
// RedactEvent.
type ContentRedactor struct {
	mode       Mode
	rules      []contentRule
	custom     []*regexp.Regexp
	entropyMin int
}

// NewContentRedactor compiles the rule set for cfg.Mode. Invalid custom
// patterns fail construction; they're configuration errors.
func NewContentRedactor(cfg *config.RedactionConfig) (*ContentRedactor, error) {
	mode := Mode(cfg.Mode)
	if mode == "" {
		mode = ModeSafe
	}
	switch mode {
	case ModeMinimal, ModeSafe, ModeFull:
	default:
		return nil, fmt.Errorf("unknown redaction mode %q", cfg.Mode)
	}

	r := &ContentRedactor{mode: mode, entropyMin: cfg.EntropyMinLength}
	if r.entropyMin <= 0 {
		r.entropyMin = 32
	}

	r.rules = append(r.rules, minimalRules...)
	if mode == ModeSafe || mode == ModeFull {
		r.rules = append(r.rules, safeRules...)
	}
	if mode == ModeFull {
		for _, pat := range cfg.CustomPatterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("compiling custom redaction pattern %q: %w", pat, err)
			}
			r.custom = append(r.custom, re)
		}
	}
	return r, nil
}

// Mode returns the active tier.
func (r *ContentRedactor) Mode() Mode { return r.mode }

// Redact replaces every match in s with its deterministic token. Existing
// tokens are left untouched, making the operation idempotent.
func (r *ContentRedactor) Redact(s string) string {
	if s == "" {
		return s
	}

	// Split around prior tokens; rules only see the text between them.
	var sb strings.Builder
	last := 0
	for _, loc := range tokenRe.FindAllStringIndex(s, -1) {
		sb.WriteString(r.redactSegment(s[last:loc[0]]))
		sb.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	if last == 0 {
		return r.redactSegment(s)
	}
	sb.WriteString(r.redactSegment(s[last:]))
	return sb.String()
}

func (r *ContentRedactor) redactSegment(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllStringFunc(s, func(m string) string {
			if rule.validate != nil && !rule.validate(m) {
				return m
			}
			return Token(rule.kind, m)
		})
	}
	for _, re := range r.custom {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			return Token("custom", m)
		})
	}
	if r.mode == ModeFull {
		s = r.redactHighEntropy(s)
	}
	return s
}

var entropyCandidateRe = regexp.MustCompile(`[A-Za-z0-9+/=_-]{16,}`)

// redactHighEntropy replaces long high-entropy substrings, catching secrets
// the explicit patterns miss.
func (r *ContentRedactor) redactHighEntropy(s string) string {
	return entropyCandidateRe.ReplaceAllStringFunc(s, func(m string) string {
		if len(m) < r.entropyMin {
			return m
		}
		if shannonEntropy(m) < 4.0 {
			return m
		}
		return Token("entropy", m)
	})
}

// shannonEntropy returns bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}
	n := float64(len(s))
	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// luhnValid runs the Luhn checksum over a digit string with optional
// space/dash separators.
func luhnValid(s string) bool {
	var digits []int
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// plausibleIPv4 rejects dotted quads with out-of-range octets.
func plausibleIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) > 3 {
			return false
		}
		n := 0
		for _, c := range p {
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

func unmarshalData(ev *envelope.Event, v any) error {
	if len(ev.Data) == 0 {
		return fmt.Errorf("event %s has no data payload", ev.EventID)
	}
	return json.Unmarshal(ev.Data, v)
}

func remarshalData(ev *envelope.Event, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ev.Data = raw
	return nil
}

// RedactEvent applies content redaction to an envelope event's message and
// response content in place, re-marshaling the data payload. Events whose
// payloads don't carry content pass through untouched. Runs after
// correlation so request_id linkage is unaffected.
func (r *ContentRedactor) RedactEvent(ev *envelope.Event) error {
	switch ev.EventType {
	case envelope.TypeAiRequest:
		var data envelope.AiRequestData
		if err := unmarshalData(ev, &data); err != nil {
			return err
		}
		changed := false
		for i := range data.Messages {
			if redacted := r.Redact(data.Messages[i].Content); redacted != data.Messages[i].Content {
				data.Messages[i].Content = redacted
				changed = true
			}
		}
		if changed {
			return remarshalData(ev, &data)
		}
	case envelope.TypeAiResponse:
		var data envelope.AiResponseData
		if err := unmarshalData(ev, &data); err != nil {
			return err
		}
		if redacted := r.Redact(data.Content); redacted != data.Content {
			data.Content = redacted
			return remarshalData(ev, &data)
		}
	case envelope.TypeAiStreamingDelta:
		var data envelope.StreamingDeltaData
		if err := unmarshalData(ev, &data); err != nil {
			return err
		}
		if redacted := r.Redact(data.Delta); redacted != data.Delta {
			data.Delta = redacted
			return remarshalData(ev, &data)
		}
	}
	return nil
}
