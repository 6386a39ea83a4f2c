// Package pricing resolves per-token model prices from the community
// LiteLLM price table, so captured usage counts can be turned into cost
// estimates. The table is fetched over HTTPS, cached on disk with a TTL,
// and served stale when a refresh fails — pricing is best-effort and never
// blocks capture.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oximy/oisp/internal/envelope"
)

// DefaultURL is the upstream LiteLLM price table.
const DefaultURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

const (
	cacheFileName = "model_prices.json"
	cacheTTL      = 24 * time.Hour
	fetchTimeout  = 15 * time.Second
)

// Price is the per-token rate for one model.
type Price struct {
	InputPerToken  float64 `json:"input_cost_per_token"`
	OutputPerToken float64 `json:"output_cost_per_token"`
}

// Table maps model ids to prices and answers cost questions.
type Table struct {
	url      string
	cacheDir string
	client   *http.Client
	logger   *slog.Logger

	mu     sync.RWMutex
	prices map[string]Price
}

// Config configures a Table.
type Config struct {
	URL      string // defaults to DefaultURL
	CacheDir string // required; holds the on-disk cache
	Logger   *slog.Logger
}

// NewTable builds an empty table; Load populates it.
func NewTable(cfg Config) *Table {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		url:      cfg.URL,
		cacheDir: cfg.CacheDir,
		client:   &http.Client{Timeout: fetchTimeout},
		logger:   cfg.Logger,
	}
}

// Load populates the table from the disk cache when fresh, otherwise from
// upstream. A failed refresh falls back to whatever cache exists, however
// stale; only a cold start with no cache and no network returns an error.
func (t *Table) Load(ctx context.Context) error {
	cachePath := filepath.Join(t.cacheDir, cacheFileName)

	if info, err := os.Stat(cachePath); err == nil && time.Since(info.ModTime()) < cacheTTL {
		if err := t.loadFile(cachePath); err == nil {
			return nil
		}
		// Corrupt cache: fall through to a refetch.
	}

	raw, err := t.fetch(ctx)
	if err != nil {
		t.logger.Warn("price table fetch failed, trying stale cache", "error", err)
		if cacheErr := t.loadFile(cachePath); cacheErr == nil {
			return nil
		}
		return fmt.Errorf("fetching price table: %w", err)
	}

	if err := t.parse(raw); err != nil {
		return fmt.Errorf("parsing price table: %w", err)
	}
	if t.cacheDir != "" {
		if err := os.MkdirAll(t.cacheDir, 0700); err == nil {
			os.WriteFile(cachePath, raw, 0600)
		}
	}
	return nil
}

func (t *Table) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "oisp-capture/"+envelope.Version)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price table returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
}

func (t *Table) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return t.parse(raw)
}

func (t *Table) parse(raw []byte) error {
	// The upstream file maps model id -> a grab bag of fields; only the two
	// per-token rates matter here. Entries without them (embeddings priced
	// per character, image models) are skipped.
	var wire map[string]struct {
		InputCostPerToken  *float64 `json:"input_cost_per_token"`
		OutputCostPerToken *float64 `json:"output_cost_per_token"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}

	prices := make(map[string]Price, len(wire))
	for model, entry := range wire {
		if entry.InputCostPerToken == nil && entry.OutputCostPerToken == nil {
			continue
		}
		p := Price{}
		if entry.InputCostPerToken != nil {
			p.InputPerToken = *entry.InputCostPerToken
		}
		if entry.OutputCostPerToken != nil {
			p.OutputPerToken = *entry.OutputCostPerToken
		}
		prices[strings.ToLower(model)] = p
	}
	if len(prices) == 0 {
		return fmt.Errorf("price table contained no usable entries")
	}

	t.mu.Lock()
	t.prices = prices
	t.mu.Unlock()
	return nil
}

// Lookup resolves a model id to its price. Exact id first, then the id
// with any provider prefix stripped (bedrock's "anthropic.claude-..." and
// router "openai/gpt-..." forms), then a prefix match for dated variants.
func (t *Table) Lookup(model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.prices == nil {
		return Price{}, false
	}

	id := strings.ToLower(model)
	if p, ok := t.prices[id]; ok {
		return p, true
	}
	for _, sep := range []string{"/", "."} {
		if i := strings.Index(id, sep); i > 0 {
			if p, ok := t.prices[id[i+1:]]; ok {
				return p, true
			}
		}
	}
	// Dated variants: "gpt-4o-2024-05-13" should find "gpt-4o".
	for candidate, p := range t.prices {
		if strings.HasPrefix(id, candidate+"-") {
			return p, true
		}
	}
	return Price{}, false
}

// Cost estimates the dollar cost of one usage record, or ok=false when the
// model is unknown.
func (t *Table) Cost(model string, usage envelope.Usage) (float64, bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return float64(usage.PromptTokens)*p.InputPerToken +
		float64(usage.CompletionTokens)*p.OutputPerToken, true
}

// Count reports how many models the table knows.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices)
}
