package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/teamwarden/internal/clock"
	"go.uber.org/zap"
)

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

const (
	defaultQueueSize = 64
	sendTimeout      = 10 * time.Second
)

// sinkWorker owns one sink's queue so a slow destination only delays itself.
type sinkWorker struct {
	sink    Sink
	queue   chan Event
	dropped atomic.Int64
}

// Hub fans events out to its sinks without blocking the emitter. Events
// that do not fit a sink's queue are dropped and never retried.
type Hub struct {
	workers []*sinkWorker
	clock   clock.Clock
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	logger  *zap.Logger
}

// NewHub creates a hub with a bounded queue per sink.
func NewHub(clk clock.Clock, queueSize int, logger *zap.Logger, sinks ...Sink) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	h := &Hub{clock: clk, logger: logger}
	for _, s := range sinks {
		h.workers = append(h.workers, &sinkWorker{sink: s, queue: make(chan Event, queueSize)})
	}
	return h
}

// Start launches one delivery goroutine per sink.
func (h *Hub) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	for _, w := range h.workers {
		h.wg.Add(1)
		go h.deliver(ctx, w)
	}
	h.logger.Info("notification hub started", zap.Int("sinks", len(h.workers)))
}

// Stop halts delivery. Queued events not yet sent are discarded.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Emit enqueues ev on every sink and returns immediately.
func (h *Hub) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.clock.Now()
	}
	for _, w := range h.workers {
		select {
		case w.queue <- ev:
		default:
			w.dropped.Add(1)
			h.logger.Warn("notification dropped",
				zap.String("sink", w.sink.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.String("team", ev.TeamID))
		}
	}
}

// Dropped reports how many events each sink has lost to a full queue.
func (h *Hub) Dropped() map[string]int64 {
	out := make(map[string]int64, len(h.workers))
	for _, w := range h.workers {
		out[w.sink.Name()] = w.dropped.Load()
	}
	return out
}

func (h *Hub) deliver(ctx context.Context, w *sinkWorker) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := w.sink.Send(sctx, ev); err != nil {
				h.logger.Warn("notification delivery failed",
					zap.String("sink", w.sink.Name()),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
			}
			cancel()
		}
	}
}
