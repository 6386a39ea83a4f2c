package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oximy/oisp/internal/envelope"
)

// JSONLSink appends one canonical JSON event per line to a file, fsyncs on
// flush, and rotates when the file passes its size threshold.
type JSONLSink struct {
	path       string
	rotateSize int64

	mu      sync.Mutex
	file    *os.File
	written int64
}

// NewJSONLSink opens (or creates) the target file in append mode.
func NewJSONLSink(path string, rotateSize int64) (*JSONLSink, error) {
	if rotateSize <= 0 {
		rotateSize = 256 * 1024 * 1024
	}
	s := &JSONLSink{path: path, rotateSize: rotateSize}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLSink) open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening jsonl export file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.file = f
	s.written = info.Size()
	return nil
}

// Name implements Sink.
func (s *JSONLSink) Name() string { return "jsonl" }

// Deliver writes the batch and fsyncs once.
func (s *JSONLSink) Deliver(_ context.Context, batch []*envelope.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.open(); err != nil {
			return err
		}
	}

	for _, ev := range batch {
		line, err := ev.MarshalCanonical()
		if err != nil {
			// Unserializable event: skip rather than wedge the file.
			continue
		}
		n, err := s.file.Write(append(line, '\n'))
		s.written += int64(n)
		if err != nil {
			return fmt.Errorf("writing jsonl line: %w", err)
		}
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("fsync jsonl export: %w", err)
	}

	if s.written >= s.rotateSize {
		return s.rotateLocked()
	}
	return nil
}

// rotateLocked renames the active file with a timestamp suffix and reopens.
func (s *JSONLSink) rotateLocked() error {
	s.file.Close()
	s.file = nil

	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("rotating jsonl export: %w", err)
	}
	return s.open()
}

// Close flushes and closes the file.
func (s *JSONLSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.file.Sync()
	err := s.file.Close()
	s.file = nil
	return err
}
