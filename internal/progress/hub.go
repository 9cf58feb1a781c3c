package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values fall back
// to the defaults below.
type Config struct {
	// BufferSize bounds the queue between Emit and the batching goroutine.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait caps how long the first event of a batch waits for company.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext parents every sink call.
	BaseContext context.Context
	// Now stamps events emitted without a timestamp.
	Now    func() time.Time
	Logger *zap.Logger
}

// Stats summarizes hub throughput since construction.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
	Invalid  int64 `json:"invalid"`
	Flushed  int64 `json:"flushed"`
	// ByStage counts flushed events per stage.
	ByStage map[Stage]int64 `json:"by_stage,omitempty"`
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches events from schedulers, workers and the tracker and fans them
// out to sinks on one goroutine. Emit never blocks.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes

	closed       atomic.Bool
	accepted     atomic.Int64
	droppedTotal atomic.Int64
	droppedSince atomic.Int64
	invalid      atomic.Int64

	statsMu sync.Mutex
	flushed int64
	byStage map[Stage]int64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
		byStage: make(map[Stage]int64),
	}
	go h.run()
	return h
}

// Emit validates and enqueues evt, stamping TS when unset. A full buffer drops
// the event; drops are logged at most once per dropLogInterval.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() && h.cfg.Now != nil {
		evt.TS = h.cfg.Now()
	}
	if err := evt.Validate(); err != nil {
		h.invalid.Add(1)
		h.logger.Debug("Discarded invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
	default:
		h.droppedTotal.Add(1)
		h.droppedSince.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("Progress events dropped", zap.Int64("dropped", h.droppedSince.Swap(0)))
		})
	}
}

// Stats returns throughput counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	out := Stats{
		Accepted: h.accepted.Load(),
		Dropped:  h.droppedTotal.Load(),
		Invalid:  h.invalid.Load(),
		Flushed:  h.flushed,
	}
	if len(h.byStage) > 0 {
		out.ByStage = make(map[Stage]int64, len(h.byStage))
		for stage, n := range h.byStage {
			out.ByStage[stage] = n
		}
	}
	return out
}

// Close stops intake, flushes what is queued, closes the sinks and waits for
// the batching goroutine. Repeated calls wait on the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// run owns the batch. The deadline channel is nil while the batch is empty.
func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer    *time.Timer
		deadline <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		h.flush(batch)
		batch = batch[:0]
	}
	for {
		select {
		case evt := <-h.events:
			if len(batch) == 0 {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
			}
		case <-deadline:
			flush()
		case <-h.stopCh:
			for drained := false; !drained; {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					drained = true
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	h.statsMu.Lock()
	h.flushed += int64(len(out))
	for _, evt := range out {
		h.byStage[evt.Stage]++
	}
	h.statsMu.Unlock()

	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("Progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("Progress sink close failed", zap.Error(err))
		}
	}
}
