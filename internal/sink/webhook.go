package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oximy/oisp/internal/envelope"
)

// WebhookConfig configures the HTTP webhook sink.
type WebhookConfig struct {
	URL            string
	Method         string // POST, PUT, PATCH
	Auth           string // Authorization header value, e.g. "Bearer tok"
	BatchMode      bool   // true: one JSON array per call; false: one event per call
	DeadLetterPath string
}

// WebhookSink posts events to an HTTP endpoint. 2xx is success, 4xx is a
// permanent drop (the payload is malformed from the receiver's view), 5xx
// and transport failures are retried by the runner; exhausted batches land
// in the dead-letter file.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client

	dlMu sync.Mutex
}

// NewWebhookSink validates cfg and builds the sink.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	switch cfg.Method {
	case "":
		cfg.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("webhook method %q not allowed", cfg.Method)
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver sends the batch per the configured mode.
func (s *WebhookSink) Deliver(ctx context.Context, batch []*envelope.Event) error {
	if s.cfg.BatchMode {
		payload, err := json.Marshal(batch)
		if err != nil {
			return &PermanentError{Err: err}
		}
		return s.post(ctx, payload)
	}
	for _, ev := range batch {
		payload, err := ev.MarshalCanonical()
		if err != nil {
			continue
		}
		if err := s.post(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Auth != "" {
		req.Header.Set("Authorization", s.cfg.Auth)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{Err: fmt.Errorf("webhook rejected payload: %s", resp.Status)}
	default:
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
}

// DeadLetter appends the failed batch to the configured dead-letter JSONL
// file. Wired as the runner's DeadLetter callback.
func (s *WebhookSink) DeadLetter(batch []*envelope.Event, cause error) {
	if s.cfg.DeadLetterPath == "" {
		return
	}
	s.dlMu.Lock()
	defer s.dlMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.cfg.DeadLetterPath), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(s.cfg.DeadLetterPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return
	}
	defer f.Close()

	for _, ev := range batch {
		line, err := ev.MarshalCanonical()
		if err != nil {
			continue
		}
		f.Write(append(line, '\n'))
	}
}

// Close implements Sink.
func (s *WebhookSink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}
