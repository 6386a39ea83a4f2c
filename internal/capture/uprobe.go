package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// SymbolEvent is one record read from the kernel-side SSL_read/SSL_write
// hooks. The OS attachment mechanism (eBPF uprobes on libssl symbols) is an
// external collaborator; it hands records to the producer through the
// SymbolReader contract so the typed emission, truncation, and drop
// accounting live here and a test double can drive them.
type SymbolEvent struct {
	Kind Kind
	PID  int
	TID  int
	UID  int
	Comm string
	FD   int
	Data []byte
	Exe  string
	PPID int
}

// SymbolReader drains the kernel ring. Read blocks until a record is
// available, the context ends, or the underlying attachment dies (io.EOF).
type SymbolReader interface {
	Read(ctx context.Context) (*SymbolEvent, error)
	Close() error
}

// ErrSymbolNotFound is returned by SymbolReader implementations when none of
// the candidate libssl paths exposes the hooked symbols.
var ErrSymbolNotFound = errors.New("capture: SSL symbols not found in any candidate library")

// ringCapacity approximates the kernel's 256 KiB ring in event slots: with
// MaxChunk-sized payloads, 16 slots cover the same volume; small events
// just make the ring deeper than the kernel's, never shallower.
const ringCapacity = 256

// UprobeProducer adapts a SymbolReader to the Producer contract: it caps
// payloads at MaxChunk, stamps ids and timestamps, and drops (never blocks)
// when its ring fills.
type UprobeProducer struct {
	reader SymbolReader
	logger *slog.Logger

	counters
	ring     chan *RawEvent
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewUprobeProducer wraps reader. The reader is closed by Stop.
func NewUprobeProducer(reader SymbolReader, logger *slog.Logger) *UprobeProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &UprobeProducer{
		reader: reader,
		logger: logger,
		ring:   make(chan *RawEvent, ringCapacity),
	}
}

// Start begins draining the symbol reader. The returned channel closes when
// the reader reports end-of-stream or Stop is called.
func (p *UprobeProducer) Start(ctx context.Context) (<-chan *RawEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go func() {
		defer close(p.ring)
		for {
			rec, err := p.reader.Read(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
					p.logger.Error("uprobe reader failed", "error", err)
				}
				return
			}
			p.emit(rec)
		}
	}()

	return p.ring, nil
}

// emit converts a symbol record into one or more RawEvents. Payloads over
// MaxChunk are truncated with the original length recorded, matching the
// kernel-side cap; the in-order guarantee per connection is preserved
// because emit runs on the single reader goroutine.
func (p *UprobeProducer) emit(rec *SymbolEvent) {
	data := rec.Data
	truncated := false
	origLen := len(data)
	if len(data) > MaxChunk {
		data = data[:MaxChunk]
		truncated = true
	}

	ev := &RawEvent{
		ID:          newEventID(),
		TimestampNS: time.Now().UnixNano(),
		Kind:        rec.Kind,
		PID:         rec.PID,
		TID:         rec.TID,
		UID:         rec.UID,
		Comm:        rec.Comm,
		FD:          rec.FD,
		Data:        data,
		Truncated:   truncated,
		OrigLen:     origLen,
		Metadata:    Metadata{Exe: rec.Exe, PPID: rec.PPID},
	}

	select {
	case p.ring <- ev:
		p.count(ev)
	default:
		// Ring full: lossy by design, not blocking.
		p.dropped.Add(1)
	}
}

// Stop cancels the reader loop and closes the underlying attachment.
func (p *UprobeProducer) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		if err := p.reader.Close(); err != nil {
			p.logger.Debug("closing symbol reader", "error", err)
		}
	})
}

// Stats returns the producer counters.
func (p *UprobeProducer) Stats() Stats {
	return p.snapshot()
}
