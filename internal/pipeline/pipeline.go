// Package pipeline orchestrates the capture -> decode -> correlate ->
// enrich -> redact -> broadcast flow over bounded queues. Decode and
// correlate work is sharded by hash(pid) so per-connection state is owned
// by exactly one worker; the broadcast stage fans out to lossy subscriber
// rings and to each sink's own queue.
package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oximy/oisp/internal/aidecoder"
	"github.com/oximy/oisp/internal/capture"
	"github.com/oximy/oisp/internal/correlator"
	"github.com/oximy/oisp/internal/decoder"
	"github.com/oximy/oisp/internal/enrich"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/provider"
	"github.com/oximy/oisp/internal/redact"
	"github.com/oximy/oisp/internal/sink"
)

const (
	// connIdleTimeout evicts per-connection decoder state with no traffic.
	connIdleTimeout = 10 * time.Minute

	// sweepInterval paces correlator timeout sweeps and idle-state eviction.
	sweepInterval = 30 * time.Second

	// subscriberBuffer bounds each broadcast subscriber's ring.
	subscriberBuffer = 256
)

// Config tunes the pipeline.
type Config struct {
	QueueCapacity     int
	Shards            int
	CorrelatorTimeout time.Duration
	GracefulDrain     time.Duration
	ExportDeltas      bool
	Source            envelope.Source
	Logger            *slog.Logger
}

// Stats is the pipeline's externally visible state.
type Stats struct {
	Uptime       time.Duration `json:"uptime_ms"`
	Events       uint64        `json:"events"`
	Decoded      uint64        `json:"decoded"`
	DecodeErrors uint64        `json:"decode_errors"`
	Dropped      uint64        `json:"dropped"`
	EventsPerSec float64       `json:"events_per_sec"`
	Pending      int           `json:"pending_requests"`
	SinkStatus   []sink.Health `json:"sink_status"`
}

// Pipeline wires one producer through the stages to N sinks.
type Pipeline struct {
	cfg        Config
	logger     *slog.Logger
	producer   capture.Producer
	correlator *correlator.Correlator
	enricher   *enrich.Enricher
	redactor   *redact.ContentRedactor

	runners []*sink.Runner

	subMu sync.Mutex
	subs  map[*subscriber]struct{}

	started      time.Time
	events       atomic.Uint64
	decoded      atomic.Uint64
	decodeErrors atomic.Uint64
	dropped      atomic.Uint64
}

type subscriber struct {
	ch chan *envelope.Event
}

// tagged carries an event through enrich/redact with its origin process.
type tagged struct {
	ev   *envelope.Event
	pid  int
	comm string
}

// connState is one connection's decode-stage state, owned by a single
// shard worker.
type connState struct {
	conn     *decoder.Conn
	entry    provider.Entry
	hasEntry bool
	key      capture.ConnectionKey
	lastSeen time.Time
}

// New builds a pipeline. The enricher and redactor are required; sinks are
// attached with AttachSink before Run.
func New(cfg Config, producer capture.Producer, enricher *enrich.Enricher, redactor *redact.ContentRedactor) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.GracefulDrain <= 0 {
		cfg.GracefulDrain = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		logger:   cfg.Logger,
		producer: producer,
		correlator: correlator.New(correlator.Config{
			Shards:  cfg.Shards,
			Timeout: cfg.CorrelatorTimeout,
			Source:  cfg.Source,
			Logger:  cfg.Logger,
		}),
		enricher: enricher,
		redactor: redactor,
		subs:     make(map[*subscriber]struct{}),
	}
}

// AttachSink registers a sink runner. Call before Run.
func (p *Pipeline) AttachSink(r *sink.Runner) {
	p.runners = append(p.runners, r)
}

// Subscribe returns a lossy event feed for UI consumers. Slow subscribers
// drop their oldest buffered events; cancel removes the subscription.
func (p *Pipeline) Subscribe() (<-chan *envelope.Event, func()) {
	s := &subscriber{ch: make(chan *envelope.Event, subscriberBuffer)}
	p.subMu.Lock()
	p.subs[s] = struct{}{}
	p.subMu.Unlock()

	cancel := func() {
		p.subMu.Lock()
		delete(p.subs, s)
		p.subMu.Unlock()
	}
	return s.ch, cancel
}

// Run starts the producer and all stages, blocking until ctx ends and the
// drain completes.
func (p *Pipeline) Run(ctx context.Context) error {
	p.started = time.Now()

	raw, err := p.producer.Start(ctx)
	if err != nil {
		return err
	}

	// Stage queues. Shard inboxes feed the decode/correlate workers; their
	// merged output feeds enrich/redact, which feeds broadcast.
	shardCh := make([]chan *capture.RawEvent, p.cfg.Shards)
	for i := range shardCh {
		shardCh[i] = make(chan *capture.RawEvent, p.cfg.QueueCapacity)
	}
	eventCh := make(chan tagged, p.cfg.QueueCapacity)
	outCh := make(chan *envelope.Event, p.cfg.QueueCapacity)

	var stages sync.WaitGroup

	// Sink runners.
	for _, r := range p.runners {
		stages.Add(1)
		go func(r *sink.Runner) {
			defer stages.Done()
			r.Run(ctx)
		}(r)
	}

	// Dispatch: producer -> shard inbox by hash(pid).
	stages.Add(1)
	go func() {
		defer stages.Done()
		defer func() {
			for _, ch := range shardCh {
				close(ch)
			}
		}()
		for ev := range raw {
			p.events.Add(1)
			shardCh[p.shardIndex(ev.PID)] <- ev
		}
	}()

	// Shard workers: decode + correlate.
	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Shards; i++ {
		workers.Add(1)
		stages.Add(1)
		go func(in <-chan *capture.RawEvent) {
			defer stages.Done()
			defer workers.Done()
			p.runShard(ctx, in, eventCh)
		}(shardCh[i])
	}

	// Close eventCh once every shard worker is done.
	stages.Add(1)
	go func() {
		defer stages.Done()
		workers.Wait()
		close(eventCh)
	}()

	// Enrich + redact.
	stages.Add(1)
	go func() {
		defer stages.Done()
		defer close(outCh)
		for t := range eventCh {
			p.enrichAndRedact(t)
			outCh <- t.ev
		}
	}()

	// Broadcast.
	stages.Add(1)
	go func() {
		defer stages.Done()
		for ev := range outCh {
			p.broadcast(ev)
		}
	}()

	<-ctx.Done()
	p.producer.Stop()

	// Drain: stages exit as their inbound channels close, bounded by the
	// graceful deadline.
	done := make(chan struct{})
	go func() {
		stages.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.GracefulDrain):
		p.logger.Warn("graceful drain deadline exceeded, aborting")
	}
	return nil
}

func (p *Pipeline) shardIndex(pid int) int {
	h := fnv.New32a()
	var b [4]byte
	b[0] = byte(pid)
	b[1] = byte(pid >> 8)
	b[2] = byte(pid >> 16)
	b[3] = byte(pid >> 24)
	h.Write(b[:])
	return int(h.Sum32() % uint32(p.cfg.Shards))
}

// runShard owns the decoder state for every connection hashing to this
// shard and drives the correlator for them.
func (p *Pipeline) runShard(ctx context.Context, in <-chan *capture.RawEvent, out chan<- tagged) {
	conns := make(map[capture.ConnectionKey]*connState)
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	emit := func(ev *envelope.Event, pid int, comm string) {
		if ev == nil {
			return
		}
		select {
		case out <- tagged{ev: ev, pid: pid, comm: comm}:
			p.decoded.Add(1)
		case <-ctx.Done():
			p.dropped.Add(1)
		}
	}

	for {
		select {
		case raw, ok := <-in:
			if !ok {
				// Producer gone: finalize in-flight streams, then exit.
				now := time.Now().UnixNano()
				for key, st := range conns {
					p.closeConn(key, st, now, emit)
				}
				return
			}
			p.handleRaw(raw, conns, emit)

		case <-sweep.C:
			now := time.Now()
			for _, ev := range p.correlator.Sweep(now.UnixNano()) {
				emit(ev, 0, "")
			}
			for key, st := range conns {
				if now.Sub(st.lastSeen) > connIdleTimeout {
					p.closeConn(key, st, now.UnixNano(), emit)
					delete(conns, key)
				}
			}
		}
	}
}

// handleRaw advances one raw event through decode and correlate.
func (p *Pipeline) handleRaw(raw *capture.RawEvent, conns map[capture.ConnectionKey]*connState, emit func(*envelope.Event, int, string)) {
	switch raw.Kind {
	case capture.KindSslWrite, capture.KindSslRead:
	default:
		emit(p.passthroughEvent(raw), raw.PID, raw.Comm)
		return
	}

	key := raw.Key()
	st, ok := conns[key]
	if !ok {
		st = &connState{conn: decoder.NewConn(), key: key}
		conns[key] = st
	}
	st.lastSeen = time.Now()

	var msgs []*decoder.Message
	var err error
	if raw.Kind == capture.KindSslWrite {
		msgs, err = st.conn.FeedRequest(raw.Data)
	} else {
		msgs, err = st.conn.FeedResponse(raw.Data)
	}
	if err != nil {
		p.decodeErrors.Add(1)
		p.logger.Debug("decode error", "key", key.String(), "error", err)
	}

	for _, msg := range msgs {
		p.handleMessage(raw, st, msg, emit)
	}
}

// handleMessage routes one decoded message into the correlator.
func (p *Pipeline) handleMessage(raw *capture.RawEvent, st *connState, msg *decoder.Message, emit func(*envelope.Event, int, string)) {
	if msg.IsRequest {
		if !msg.Complete {
			return
		}
		host := msg.Host
		if host == "" {
			host = raw.Metadata.Host
		}
		ent, ok := provider.DetectEntry(hostOnly(host), msg.Path)
		if !ok {
			// Not AI traffic; out of scope for the event stream.
			return
		}
		st.entry = ent
		st.hasEntry = true

		data := aidecoder.DecodeRequest(msg, ent)
		if data.Provider.Endpoint == "" {
			data.Provider.Endpoint = hostOnly(host)
		}
		emit(p.correlator.OnRequest(st.key, ent, data, raw.TimestampNS), raw.PID, raw.Comm)
		return
	}

	if !st.hasEntry {
		// Response on a connection whose request we never classified:
		// cannot resolve a dialect, skip.
		return
	}

	switch {
	case msg.Streaming && !msg.Complete:
		for _, rec := range msg.SSEDeltas {
			delta, final := p.correlator.OnDelta(st.key, rec, raw.TimestampNS)
			if p.cfg.ExportDeltas {
				emit(delta, raw.PID, raw.Comm)
			}
			emit(final, raw.PID, raw.Comm)
		}

	case msg.Streaming && msg.Complete:
		// Assembled stream body; the terminal SSE record already finalized
		// the pending entry through OnDelta.

	default:
		data := aidecoder.DecodeResponse(msg, st.entry)
		emit(p.correlator.OnResponse(st.key, data, raw.TimestampNS), raw.PID, raw.Comm)
	}
}

// closeConn finalizes a connection's decoder and correlator state.
func (p *Pipeline) closeConn(key capture.ConnectionKey, st *connState, nowNS int64, emit func(*envelope.Event, int, string)) {
	for _, msg := range st.conn.Close() {
		// Streaming bodies returned here were already finalized through
		// their terminal SSE record; only read-until-EOF responses pair now.
		if st.hasEntry && !msg.IsRequest && msg.Complete && !msg.Streaming {
			data := aidecoder.DecodeResponse(msg, st.entry)
			emit(p.correlator.OnResponse(key, data, nowNS), key.PID, "")
		}
	}
	if st.conn.RespStreaming() {
		for _, ev := range p.correlator.OnConnectionClosed(key, nowNS) {
			emit(ev, key.PID, "")
		}
	}
}

// passthroughEvent wraps non-TLS raw events (process exec/exit, file open,
// net connect) in the envelope.
func (p *Pipeline) passthroughEvent(raw *capture.RawEvent) *envelope.Event {
	eventType := map[capture.Kind]string{
		capture.KindProcessExec: envelope.TypeProcessExec,
		capture.KindProcessExit: envelope.TypeProcessExit,
		capture.KindFileOpen:    envelope.TypeFileOpen,
		capture.KindNetConnect:  envelope.TypeNetConnect,
	}[raw.Kind]
	if eventType == "" {
		return nil
	}

	if raw.Kind == capture.KindProcessExit && p.enricher != nil {
		p.enricher.Invalidate(raw.PID)
	}

	ev, err := envelope.New(eventType, p.cfg.Source,
		envelope.Confidence{Score: 1.0, Method: "exact"},
		map[string]any{
			"pid":       raw.PID,
			"comm":      raw.Comm,
			"exe":       raw.Metadata.Exe,
			"peer_addr": raw.Metadata.PeerAddr,
			"host":      raw.Metadata.Host,
		})
	if err != nil {
		return nil
	}
	ev.TS = time.Unix(0, raw.TimestampNS).UTC()
	return ev
}

// enrichAndRedact attaches process context and applies content redaction.
func (p *Pipeline) enrichAndRedact(t tagged) {
	if p.enricher != nil && t.pid > 0 && t.ev.Process == nil {
		t.ev.Process = p.enricher.Process(t.pid, t.comm)
	}
	if p.redactor != nil {
		if err := p.redactor.RedactEvent(t.ev); err != nil {
			p.logger.Warn("redaction failed", "event_id", t.ev.EventID, "error", err)
		}
	}
}

// broadcast delivers to subscribers (lossy) and sink queues (per-policy).
func (p *Pipeline) broadcast(ev *envelope.Event) {
	p.subMu.Lock()
	for s := range p.subs {
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber: drop its oldest, then retry once.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
	p.subMu.Unlock()

	for _, r := range p.runners {
		r.Enqueue(ev)
	}
}

// hostOnly strips a :port suffix when present.
func hostOnly(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}

// Stats snapshots the pipeline counters.
func (p *Pipeline) Stats() Stats {
	uptime := time.Since(p.started)
	events := p.events.Load()
	eps := 0.0
	if secs := uptime.Seconds(); secs > 0 {
		eps = float64(events) / secs
	}

	prodStats := p.producer.Stats()
	s := Stats{
		Uptime:       uptime,
		Events:       events,
		Decoded:      p.decoded.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		Dropped:      p.dropped.Load() + prodStats.Dropped,
		EventsPerSec: eps,
		Pending:      p.correlator.PendingCount(),
	}
	for _, r := range p.runners {
		s.SinkStatus = append(s.SinkStatus, r.Health())
	}
	return s
}
