// Package sink delivers OISP events to external destinations. Every sink
// implements the same Deliver/Health contract; a Runner wraps each sink
// with its own bounded queue, batching, retry with backoff, and overflow
// policy, so one failing destination never stalls the rest of the pipeline.
package sink

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oximy/oisp/internal/envelope"
)

// Sink is the uniform delivery contract.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch []*envelope.Event) error
	Close(ctx context.Context) error
}

// Health is a sink's externally visible status, fed into the health
// endpoint's sink_status list.
type Health struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
	Dropped   uint64 `json:"dropped"`
	QueueLen  int    `json:"queue_len"`
	LastError string `json:"last_error,omitempty"`
}

// PermanentError marks a delivery failure that retrying cannot fix (e.g. a
// webhook 4xx); the batch is dropped instead of retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

const (
	backoffBase   = 100 * time.Millisecond
	backoffCap    = 30 * time.Second
	backoffJitter = 0.1
)

// Backoff returns the wait before retry attempt n (0-based): exponential
// from 100ms, capped at 30s, with 10% jitter.
func Backoff(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// OverflowPolicy selects what happens when a sink's queue is full.
type OverflowPolicy string

const (
	PolicyBlock      OverflowPolicy = "block"
	PolicyDropOldest OverflowPolicy = "drop_oldest"
	PolicyDropNewest OverflowPolicy = "drop_newest"
)

// RunnerConfig tunes one sink's delivery loop.
type RunnerConfig struct {
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	Policy        OverflowPolicy

	// DeadLetter receives batches that exhausted their retries. Optional.
	DeadLetter func(batch []*envelope.Event, cause error)
}

// Runner owns a sink's queue and delivery task.
type Runner struct {
	sink Sink
	cfg  RunnerConfig

	queue chan *envelope.Event
	done  chan struct{}
	once  sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	dropped   atomic.Uint64
	healthy   atomic.Bool
	lastErr   atomic.Value // string
}

// NewRunner wraps sink with its delivery loop configuration.
func NewRunner(s Sink, cfg RunnerConfig) *Runner {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDropOldest
	}
	r := &Runner{
		sink:  s,
		cfg:   cfg,
		queue: make(chan *envelope.Event, cfg.QueueCapacity),
		done:  make(chan struct{}),
	}
	r.healthy.Store(true)
	return r
}

// Name returns the wrapped sink's name.
func (r *Runner) Name() string { return r.sink.Name() }

// Enqueue hands one event to the sink's queue under the overflow policy.
// Only PolicyBlock can make this call wait.
func (r *Runner) Enqueue(ev *envelope.Event) {
	switch r.cfg.Policy {
	case PolicyBlock:
		select {
		case r.queue <- ev:
		case <-r.done:
			r.dropped.Add(1)
		}
	case PolicyDropNewest:
		select {
		case r.queue <- ev:
		default:
			r.dropped.Add(1)
		}
	default: // drop_oldest
		for {
			select {
			case r.queue <- ev:
				return
			default:
			}
			select {
			case <-r.queue:
				r.dropped.Add(1)
			default:
			}
		}
	}
}

// Run consumes the queue until ctx ends, then drains what's left and closes
// the sink.
func (r *Runner) Run(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*envelope.Event, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.deliver(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-r.queue:
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			// Drain remaining queued events with a detached context so
			// shutdown delivers what it can.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for {
				select {
				case ev := <-r.queue:
					batch = append(batch, ev)
					if len(batch) >= r.cfg.BatchSize {
						r.deliver(drainCtx, batch)
						batch = batch[:0]
					}
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				r.deliver(drainCtx, batch)
			}
			r.sink.Close(drainCtx)
			cancel()
			return
		}
	}
}

// deliver pushes one batch through the sink with retry/backoff.
func (r *Runner) deliver(ctx context.Context, batch []*envelope.Event) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.retries.Add(1)
			select {
			case <-time.After(Backoff(attempt - 1)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = r.cfg.MaxRetries // stop retrying
			}
		}

		err := r.sink.Deliver(ctx, batch)
		if err == nil {
			r.delivered.Add(uint64(len(batch)))
			r.healthy.Store(true)
			return
		}
		lastErr = err
		r.lastErr.Store(err.Error())
		r.failed.Add(1)
		r.healthy.Store(false)
		if IsPermanent(err) {
			r.dropped.Add(uint64(len(batch)))
			return
		}
	}

	if r.cfg.DeadLetter != nil {
		cp := make([]*envelope.Event, len(batch))
		copy(cp, batch)
		r.cfg.DeadLetter(cp, lastErr)
	}
	r.dropped.Add(uint64(len(batch)))
}

// Health snapshots the runner's counters.
func (r *Runner) Health() Health {
	h := Health{
		Name:      r.sink.Name(),
		Healthy:   r.healthy.Load(),
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
		Retries:   r.retries.Load(),
		Dropped:   r.dropped.Load(),
		QueueLen:  len(r.queue),
	}
	if v := r.lastErr.Load(); v != nil {
		h.LastError = v.(string)
	}
	return h
}
