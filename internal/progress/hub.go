package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering for the Hub.
//   - SubscriberBuffer: per-subscriber channel capacity (default 64).
//   - SinkTimeout: per-sink timeout while consuming (default 5s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	SubscriberBuffer int
	SinkTimeout      time.Duration
	Logger           *zap.Logger
}

const (
	defaultSubscriberBuffer = 64
	defaultSinkTimeout      = 5 * time.Second
	dropLogInterval         = 5 * time.Second
)

// Hub broadcasts task events to per-task subscribers and to registered sinks.
// Emit never blocks: a subscriber that cannot keep up has events dropped
// rather than stalling delivery to others. Once a terminal event is delivered
// for a task, its subscriber channels are closed and later subscriptions for
// that task receive an already-closed channel.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	mu          sync.Mutex
	subscribers map[string]map[int64]chan Event
	finished    map[string]struct{}
	nextSubID   int64

	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
}

// NewHub initializes a Hub with the supplied sinks. The returned Hub is
// immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		logger:      logger,
		subscribers: make(map[string]map[int64]chan Event),
		finished:    make(map[string]struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Subscribe registers for a task's events. The returned channel closes after
// the task's terminal event (or immediately if the task already finished).
// The cancel function detaches the subscriber; calling it is always safe.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, h.cfg.SubscriberBuffer)

	h.mu.Lock()
	if _, done := h.finished[taskID]; done || h.closed.Load() {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.nextSubID++
	id := h.nextSubID
	subs, ok := h.subscribers[taskID]
	if !ok {
		subs = make(map[int64]chan Event)
		h.subscribers[taskID] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subscribers[taskID]
		if !ok {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, taskID)
		}
	}
	return ch, cancel
}

// Emit delivers an event to the task's subscribers and all sinks. It never
// blocks; full subscriber buffers drop the event with a rate-limited warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}

	// Sends and terminal closes happen under the lock so a concurrent cancel
	// cannot close a channel mid-send. Sends are non-blocking, so the lock is
	// held only briefly.
	h.mu.Lock()
	subs := h.subscribers[evt.TaskID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
			if h.dropLimiter.Allow(time.Now()) {
				count := h.dropped.Swap(0)
				h.logger.Warn("progress events dropped due to slow subscribers",
					zap.Int64("dropped", count),
					zap.String("task_id", evt.TaskID),
				)
			}
		}
	}
	if evt.Terminal() {
		h.finished[evt.TaskID] = struct{}{}
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, evt.TaskID)
	}
	h.mu.Unlock()

	h.consumeSinks(evt)
}

// Forget releases terminal-task bookkeeping once no late subscriber is
// expected. Retention of terminal IDs is otherwise unbounded.
func (h *Hub) Forget(taskID string) {
	h.mu.Lock()
	delete(h.finished, taskID)
	h.mu.Unlock()
}

// Close detaches all subscribers and closes the sinks. Subsequent Emit calls
// are ignored.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	for taskID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, taskID)
	}
	h.mu.Unlock()

	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
	return nil
}

func (h *Hub) consumeSinks(evt Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, evt); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
