// Package correlator pairs ai.request events with their responses on the
// same connection, tracks in-flight streams, and ages out requests that
// never see a reply. State is sharded by hash(pid); each shard owns its map
// exclusively, so cross-shard locking never happens.
package correlator

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/oximy/oisp/internal/aidecoder"
	"github.com/oximy/oisp/internal/capture"
	"github.com/oximy/oisp/internal/decoder"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/provider"
)

const (
	// DefaultTimeout evicts pending requests that never saw a response.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxPending caps pending entries per shard; the oldest entry is
	// evicted on overflow so memory stays bounded under request floods.
	DefaultMaxPending = 10000

	// DefaultShards partitions connections by hash(pid).
	DefaultShards = 8
)

// Config tunes the correlator.
type Config struct {
	Shards     int
	Timeout    time.Duration
	MaxPending int
	Source     envelope.Source
	Logger     *slog.Logger
}

// Pending is one outstanding request awaiting its response.
type Pending struct {
	EventID     string
	StartedAtNS int64
	Streaming   bool
	Entry       provider.Entry
	Accumulator *aidecoder.StreamAccumulator
	Request     *envelope.AiRequestData
}

// Correlator is the sharded request/response pairing engine.
type Correlator struct {
	cfg    Config
	logger *slog.Logger
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	pending map[capture.ConnectionKey]*list.List // of *Pending, FIFO
	lastTS  map[capture.ConnectionKey]int64      // monotonic ts floor per key
	count   int
	order   *list.List // of pendingRef, insertion order across the shard
}

type pendingRef struct {
	key capture.ConnectionKey
	p   *Pending
}

// New builds a correlator with cfg, applying defaults for zero values.
func New(cfg Config) *Correlator {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Correlator{cfg: cfg, logger: cfg.Logger}
	c.shards = make([]*shard, cfg.Shards)
	for i := range c.shards {
		c.shards[i] = &shard{
			pending: make(map[capture.ConnectionKey]*list.List),
			lastTS:  make(map[capture.ConnectionKey]int64),
			order:   list.New(),
		}
	}
	return c
}

func (c *Correlator) shardFor(key capture.ConnectionKey) *shard {
	return c.shards[uint(key.PID)%uint(len(c.shards))]
}

// monotonicTS clamps ts to be non-decreasing within key. Callers hold s.mu.
func (s *shard) monotonicTS(key capture.ConnectionKey, tsNS int64) time.Time {
	if last := s.lastTS[key]; tsNS < last {
		tsNS = last
	}
	s.lastTS[key] = tsNS
	return time.Unix(0, tsNS).UTC()
}

// newEvent wraps data in the envelope, stamping the monotonic per-key ts.
func (c *Correlator) newEvent(s *shard, key capture.ConnectionKey, eventType string, confidence envelope.Confidence, data any, tsNS int64) *envelope.Event {
	ev, err := envelope.New(eventType, c.cfg.Source, confidence, data)
	if err != nil {
		c.logger.Warn("envelope construction failed", "event_type", eventType, "error", err)
		return nil
	}
	ev.TS = s.monotonicTS(key, tsNS)
	return ev
}

// OnRequest records a completed request and returns its ai.request event.
func (c *Correlator) OnRequest(key capture.ConnectionKey, ent provider.Entry, data *envelope.AiRequestData, tsNS int64) *envelope.Event {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	confidence := envelope.Confidence{Score: 1.0, Method: "exact"}
	if data.ParseQuality == aidecoder.ParseQualityDegraded {
		confidence = envelope.Confidence{Score: 0.5, Method: "degraded"}
	}
	ev := c.newEvent(s, key, envelope.TypeAiRequest, confidence, data, tsNS)
	if ev == nil {
		return nil
	}

	p := &Pending{
		EventID:     ev.EventID,
		StartedAtNS: tsNS,
		Streaming:   data.Streaming,
		Entry:       ent,
		Request:     data,
	}

	q, ok := s.pending[key]
	if !ok {
		q = list.New()
		s.pending[key] = q
	}
	q.PushBack(p)
	s.order.PushBack(pendingRef{key: key, p: p})
	s.count++

	if s.count > c.cfg.MaxPending {
		c.evictOldestLocked(s)
	}
	return ev
}

// OnDelta feeds one SSE record into the oldest pending entry's stream
// accumulator. It returns an optional internal ai.streaming_delta event and,
// when the record is the stream terminator, the final ai.response event.
func (c *Correlator) OnDelta(key capture.ConnectionKey, rec decoder.SSERecord, tsNS int64) (delta, final *envelope.Event) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.oldestLocked(key)
	if p == nil {
		// Delta with no pending request: nothing to accumulate against;
		// counted and dropped. The final response path emits unmatched.
		return nil, nil
	}

	if p.Accumulator == nil {
		p.Streaming = true
		ref := envelope.ProviderRef{Name: p.Entry.Name}
		if p.Request != nil {
			ref = p.Request.Provider
		}
		p.Accumulator = aidecoder.NewStreamAccumulator(p.Entry, ref)
	}

	text := p.Accumulator.Feed(rec)
	if text != "" {
		delta = c.newEvent(s, key, envelope.TypeAiStreamingDelta,
			envelope.Confidence{Score: 1.0, Method: "exact"},
			&envelope.StreamingDeltaData{
				RequestID: p.EventID,
				Sequence:  p.Accumulator.Records(),
				Delta:     text,
			}, tsNS)
	}

	if p.Accumulator.Done() {
		data := p.Accumulator.Finalize(false)
		final = c.finalizeLocked(s, key, p, data, tsNS)
	}
	return delta, final
}

// OnResponse pairs a completed non-streaming response with the oldest
// pending request on its key (FIFO, matching HTTP/1.1 pipelining) and
// returns the ai.response event. Responses with no pending entry are
// emitted with request_id unset and unmatched=true.
func (c *Correlator) OnResponse(key capture.ConnectionKey, data *envelope.AiResponseData, tsNS int64) *envelope.Event {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.oldestLocked(key)
	if p == nil {
		data.Unmatched = true
		c.logger.Warn("response with no pending request", "key", key.String())
		return c.newEvent(s, key, envelope.TypeAiResponse,
			envelope.Confidence{Score: 0.5, Method: "unmatched"}, data, tsNS)
	}
	return c.finalizeLocked(s, key, p, data, tsNS)
}

// OnConnectionClosed finalizes any in-flight stream on key as aborted and
// returns the resulting events.
func (c *Correlator) OnConnectionClosed(key capture.ConnectionKey, tsNS int64) []*envelope.Event {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*envelope.Event
	for {
		p := s.oldestLocked(key)
		if p == nil || p.Accumulator == nil {
			break
		}
		data := p.Accumulator.Finalize(true)
		if ev := c.finalizeLocked(s, key, p, data, tsNS); ev != nil {
			out = append(out, ev)
		}
	}
	delete(s.lastTS, key)
	return out
}

// finalizeLocked removes p from its queue and emits the paired ai.response.
func (c *Correlator) finalizeLocked(s *shard, key capture.ConnectionKey, p *Pending, data *envelope.AiResponseData, tsNS int64) *envelope.Event {
	s.removeLocked(key, p)

	data.RequestID = p.EventID
	data.LatencyMs = (tsNS - p.StartedAtNS) / 1e6
	if data.LatencyMs < 0 {
		data.LatencyMs = 0
	}
	if data.Model.ID == "" && p.Request != nil {
		data.Model = p.Request.Model
	}
	if data.Provider.Name == "" && p.Request != nil {
		data.Provider = p.Request.Provider
	}

	confidence := envelope.Confidence{Score: 1.0, Method: "exact"}
	if data.ParseQuality == aidecoder.ParseQualityDegraded {
		confidence = envelope.Confidence{Score: 0.5, Method: "degraded"}
	}
	return c.newEvent(s, key, envelope.TypeAiResponse, confidence, data, tsNS)
}

// Sweep evicts pending entries older than the timeout, emitting one
// ai.request_timeout event per eviction. Called periodically by the
// pipeline's correlate stage.
func (c *Correlator) Sweep(nowNS int64) []*envelope.Event {
	cutoff := nowNS - c.cfg.Timeout.Nanoseconds()
	var out []*envelope.Event

	for _, s := range c.shards {
		s.mu.Lock()
		for {
			front := s.order.Front()
			if front == nil {
				break
			}
			ref := front.Value.(pendingRef)
			if ref.p.StartedAtNS > cutoff {
				break
			}
			if ev := c.timeoutLocked(s, ref, nowNS); ev != nil {
				out = append(out, ev)
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (c *Correlator) timeoutLocked(s *shard, ref pendingRef, nowNS int64) *envelope.Event {
	s.removeLocked(ref.key, ref.p)
	return c.newEvent(s, ref.key, envelope.TypeAiRequestTimeout,
		envelope.Confidence{Score: 1.0, Method: "timeout"},
		map[string]any{
			"request_id": ref.p.EventID,
			"age_ms":     (nowNS - ref.p.StartedAtNS) / 1e6,
		}, nowNS)
}

// evictOldestLocked drops the single oldest pending entry across the shard.
func (c *Correlator) evictOldestLocked(s *shard) {
	front := s.order.Front()
	if front == nil {
		return
	}
	ref := front.Value.(pendingRef)
	s.removeLocked(ref.key, ref.p)
	c.logger.Warn("pending cap exceeded, evicted oldest", "key", ref.key.String())
}

// oldestLocked returns the FIFO head for key without removing it.
func (s *shard) oldestLocked(key capture.ConnectionKey) *Pending {
	q, ok := s.pending[key]
	if !ok || q.Len() == 0 {
		return nil
	}
	return q.Front().Value.(*Pending)
}

// removeLocked unlinks p from both the per-key queue and the shard order.
func (s *shard) removeLocked(key capture.ConnectionKey, p *Pending) {
	if q, ok := s.pending[key]; ok {
		for e := q.Front(); e != nil; e = e.Next() {
			if e.Value.(*Pending) == p {
				q.Remove(e)
				s.count--
				break
			}
		}
		if q.Len() == 0 {
			delete(s.pending, key)
		}
	}
	for e := s.order.Front(); e != nil; e = e.Next() {
		if e.Value.(pendingRef).p == p {
			s.order.Remove(e)
			break
		}
	}
}

// PendingCount reports outstanding requests across all shards.
func (c *Correlator) PendingCount() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.count
		s.mu.Unlock()
	}
	return total
}
