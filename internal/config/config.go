// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Export    ExportConfig    `yaml:"export"`
	Redaction RedactionConfig `yaml:"redaction"`
	Health    HealthConfig    `yaml:"health"`
}

// CaptureConfig selects and configures the raw capture producer.
type CaptureConfig struct {
	Mode        string   `yaml:"mode"`         // uprobe, mitm, replay
	LibsslPaths []string `yaml:"libssl_paths"` // candidate OpenSSL-compatible libraries for uprobe mode
	Interface   string   `yaml:"interface"`    // network interface for the OS interception layer
	ReplayPath  string   `yaml:"replay_path"`  // event file for replay mode
	ReplaySpeed float64  `yaml:"replay_speed"` // 0 = instant, 1 = original spacing
}

// ProxyConfig configures the MITM capture producer's listener.
type ProxyConfig struct {
	Listen         string   `yaml:"listen"` // e.g., "localhost:9090"
	Host           string   `yaml:"host"`   // Bind host
	Port           int      `yaml:"port"`   // Bind port (alternative to listen)
	InterceptHosts []string `yaml:"intercept_hosts"` // extra hosts to MITM beyond the provider registry
}

// PipelineConfig tunes the stage bus.
type PipelineConfig struct {
	QueueCapacity       int `yaml:"queue_capacity"`
	Shards              int `yaml:"shards"`
	CorrelatorTimeoutMs int `yaml:"correlator_timeout_ms"`
	GracefulDrainMs     int `yaml:"graceful_drain_ms"`
}

// ExportConfig configures the delivery sinks.
type ExportConfig struct {
	StreamingDeltas bool          `yaml:"streaming_deltas"` // export ai.streaming_delta events to sinks
	JSONL           JSONLExport   `yaml:"jsonl"`
	SQLite          SQLiteExport  `yaml:"sqlite"`
	WS              WSExport      `yaml:"ws"`
	OTLP            OTLPExport    `yaml:"otlp"`
	Kafka           KafkaExport   `yaml:"kafka"`
	Webhook         WebhookExport `yaml:"webhook"`
}

// JSONLExport configures the append-only JSONL file sink.
type JSONLExport struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	RotateMaxBytes int64  `yaml:"rotate_max_bytes"`
}

// SQLiteExport configures the local queryable event store sink.
type SQLiteExport struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WSExport configures the WebSocket event stream sink.
type WSExport struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

// OTLPExport configures the OpenTelemetry log sink.
type OTLPExport struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // grpc, http/proto, http/json
	Headers     map[string]string `yaml:"headers"`
	Compression string            `yaml:"compression"` // none, gzip
	Insecure    bool              `yaml:"insecure"`
}

// KafkaExport configures the Kafka sink.
type KafkaExport struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	SASLMechanism string   `yaml:"sasl_mechanism"` // none, plain, scram-256, scram-512
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Compression   string   `yaml:"compression"` // none, gzip, snappy, lz4, zstd
	TLS           bool     `yaml:"tls"`
}

// WebhookExport configures the HTTP webhook sink.
type WebhookExport struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Method         string `yaml:"method"` // POST, PUT, PATCH
	Auth           string `yaml:"auth"`   // value for the Authorization header
	BatchMode      bool   `yaml:"batch_mode"`
	MaxRetries     int    `yaml:"max_retries"`
	DeadLetterPath string `yaml:"dead_letter_path"`
}

// RedactionConfig selects the content redaction tier.
type RedactionConfig struct {
	Mode             string   `yaml:"mode"` // minimal, safe, full
	CustomPatterns   []string `yaml:"custom_patterns"`
	EntropyMinLength int      `yaml:"entropy_min_length"` // full mode: min string length to entropy-check
}

// HealthConfig configures the local health endpoint served by record mode.
type HealthConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:9091"
}

// DefaultConfig returns a Config with working defaults.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			Mode:        "mitm",
			ReplaySpeed: 1.0,
		},
		Proxy: ProxyConfig{
			Listen: "localhost:9090",
		},
		Pipeline: PipelineConfig{
			QueueCapacity:       4096,
			Shards:              8,
			CorrelatorTimeoutMs: 300000,
			GracefulDrainMs:     5000,
		},
		Export: ExportConfig{
			JSONL: JSONLExport{
				RotateMaxBytes: 256 * 1024 * 1024,
			},
			OTLP: OTLPExport{
				Protocol:    "grpc",
				Compression: "gzip",
			},
			Kafka: KafkaExport{
				SASLMechanism: "none",
				Compression:   "none",
			},
			Webhook: WebhookExport{
				Method:     "POST",
				MaxRetries: 5,
			},
		},
		Redaction: RedactionConfig{
			Mode:             "safe",
			EntropyMinLength: 32,
		},
		Health: HealthConfig{
			Listen: "localhost:9091",
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "oisp"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "oisp"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load loads configuration from file, with environment variable overrides.
// A missing file yields defaults; a malformed file is a configuration error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies OISP_* environment variable overrides. CLI flags
// are applied after Load returns, so precedence ends up flags > env > file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OISP_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("OISP_CAPTURE_MODE"); v != "" {
		c.Capture.Mode = v
	}
	if v := os.Getenv("OISP_REDACTION_MODE"); v != "" {
		c.Redaction.Mode = v
	}
	if v := os.Getenv("OISP_HEALTH_LISTEN"); v != "" {
		c.Health.Listen = v
	}
	if v := os.Getenv("OISP_EXPORT_JSONL_PATH"); v != "" {
		c.Export.JSONL.Path = v
		c.Export.JSONL.Enabled = true
	}
	if v := os.Getenv("OISP_EXPORT_SQLITE_PATH"); v != "" {
		c.Export.SQLite.Path = v
		c.Export.SQLite.Enabled = true
	}
	if v := os.Getenv("OISP_EXPORT_OTLP_ENDPOINT"); v != "" {
		c.Export.OTLP.Endpoint = v
		c.Export.OTLP.Enabled = true
	}
	if v := os.Getenv("OISP_EXPORT_KAFKA_BROKERS"); v != "" {
		c.Export.Kafka.Brokers = strings.Split(v, ",")
		c.Export.Kafka.Enabled = true
	}
	if v := os.Getenv("OISP_EXPORT_WEBHOOK_URL"); v != "" {
		c.Export.Webhook.URL = v
		c.Export.Webhook.Enabled = true
	}
}

// Validate checks option values that would otherwise only fail deep inside a
// component at runtime. Startup surfaces these as configuration errors.
func (c *Config) Validate() error {
	switch c.Capture.Mode {
	case "uprobe", "mitm", "replay":
	default:
		return fmt.Errorf("capture.mode must be uprobe, mitm, or replay, got %q", c.Capture.Mode)
	}
	switch c.Redaction.Mode {
	case "", "minimal", "safe", "full":
	default:
		return fmt.Errorf("redaction.mode must be minimal, safe, or full, got %q", c.Redaction.Mode)
	}
	if c.Capture.Mode == "replay" && c.Capture.ReplayPath == "" {
		return fmt.Errorf("capture.replay_path is required in replay mode")
	}
	switch c.Export.OTLP.Protocol {
	case "", "grpc", "http/proto", "http/json":
	default:
		return fmt.Errorf("export.otlp.protocol must be grpc, http/proto, or http/json, got %q", c.Export.OTLP.Protocol)
	}
	switch c.Export.Kafka.SASLMechanism {
	case "", "none", "plain", "scram-256", "scram-512":
	default:
		return fmt.Errorf("export.kafka.sasl_mechanism must be none, plain, scram-256, or scram-512, got %q", c.Export.Kafka.SASLMechanism)
	}
	switch strings.ToUpper(c.Export.Webhook.Method) {
	case "", "POST", "PUT", "PATCH":
	default:
		return fmt.Errorf("export.webhook.method must be POST, PUT, or PATCH, got %q", c.Export.Webhook.Method)
	}
	if c.Pipeline.Shards < 0 {
		return fmt.Errorf("pipeline.shards must be positive")
	}
	return nil
}

// ListenAddr returns the listen address, handling host:port vs listen field.
func (c *ProxyConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9090
	}
	return fmt.Sprintf("%s:%d", host, port)
}
