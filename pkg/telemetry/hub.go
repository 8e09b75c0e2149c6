package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Default hub tuning values.
const (
	DefaultEventQueueSize        = 1024
	DefaultBatchSize             = 16
	DefaultFlushInterval         = 100 * time.Millisecond
	DefaultRateLimit             = 256
	DefaultSubscriberChannelSize = 64
)

// Config tunes hub batching and delivery behavior.
type Config struct {
	EventQueueSize        int           // Buffered publish queue capacity
	BatchSize             int           // Events delivered per batch
	FlushInterval         time.Duration // Max time an event waits in a batch
	RateLimit             int           // Events per second admitted into batches
	SubscriberChannelSize int           // Per-subscriber channel buffer
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() *Config {
	return &Config{
		EventQueueSize:        DefaultEventQueueSize,
		BatchSize:             DefaultBatchSize,
		FlushInterval:         DefaultFlushInterval,
		RateLimit:             DefaultRateLimit,
		SubscriberChannelSize: DefaultSubscriberChannelSize,
	}
}

// Hub fan-outs telemetry events to any number of subscribers. Events are
// queued, rate limited, and delivered in batches so a slow consumer never
// blocks the workflow that published them.
type Hub struct {
	config *Config

	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool

	batchMu sync.Mutex
	batch   []Event

	queue   chan Event
	flushCh chan struct{}
	stopCh  chan struct{}

	limiter  *rate.Limiter
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub constructs a telemetry hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultConfig())
}

// NewHubWithConfig constructs a telemetry hub. Zero config values fall back
// to defaults.
func NewHubWithConfig(config *Config) *Hub {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = DefaultEventQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.SubscriberChannelSize <= 0 {
		cfg.SubscriberChannelSize = DefaultSubscriberChannelSize
	}

	h := &Hub{
		config:      &cfg,
		subscribers: make(map[string]chan Event),
		queue:       make(chan Event, cfg.EventQueueSize),
		flushCh:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Publish enqueues an event for delivery. Non-blocking; drops if the queue
// is full or the hub is closed.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.queue <- event:
	default:
		// Queue full; dropping beats blocking the publisher.
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch, id := h.SubscribeWithID()
	return ch, func() { h.Unsubscribe(id) }
}

// SubscribeWithID returns a channel that will receive future events along
// with the subscriber's ID for later removal.
func (h *Hub) SubscribeWithID() (<-chan Event, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, ""
	}
	id := uuid.NewString()
	ch := make(chan Event, h.config.SubscriberChannelSize)
	h.subscribers[id] = ch
	return ch, id
}

// Unsubscribe removes a subscriber by ID and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// Flush asks the delivery loop to drain the current batch immediately.
func (h *Hub) Flush() {
	select {
	case h.flushCh <- struct{}{}:
	default:
	}
}

// Stop signals the delivery loop to drain and exit. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.stopCh)
	})
}

// Wait blocks until the delivery loop finishes.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Close stops the hub and unsubscribes all listeners.
func (h *Hub) Close() {
	h.Stop()
	h.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Stats describes hub occupancy at a point in time.
type Stats struct {
	SubscriberCount int `json:"subscriber_count"`
	QueueSize       int `json:"queue_size"`
	BatchSize       int `json:"batch_size"`
	RateLimit       int `json:"rate_limit"`
}

// GetStats returns a snapshot of hub state.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	subscriberCount := len(h.subscribers)
	h.mu.RUnlock()

	h.batchMu.Lock()
	batchSize := len(h.batch)
	h.batchMu.Unlock()

	return Stats{
		SubscriberCount: subscriberCount,
		QueueSize:       len(h.queue),
		BatchSize:       batchSize,
		RateLimit:       h.config.RateLimit,
	}
}

func (h *Hub) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-h.queue:
			if !h.limiter.Allow() {
				continue
			}
			h.batchMu.Lock()
			h.batch = append(h.batch, event)
			full := len(h.batch) >= h.config.BatchSize
			h.batchMu.Unlock()
			if full {
				h.deliver()
			}
		case <-ticker.C:
			h.deliver()
		case <-h.flushCh:
			h.deliver()
		case <-h.stopCh:
			h.drainQueue()
			h.deliver()
			return
		}
	}
}

// drainQueue moves whatever is already queued into the batch before shutdown.
func (h *Hub) drainQueue() {
	for {
		select {
		case event := <-h.queue:
			if !h.limiter.Allow() {
				continue
			}
			h.batchMu.Lock()
			h.batch = append(h.batch, event)
			h.batchMu.Unlock()
		default:
			return
		}
	}
}

// deliver sends the current batch to all subscribers in publish order.
func (h *Hub) deliver() {
	h.batchMu.Lock()
	if len(h.batch) == 0 {
		h.batchMu.Unlock()
		return
	}
	events := h.batch
	h.batch = nil
	h.batchMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, event := range events {
		for _, ch := range h.subscribers {
			select {
			case ch <- event:
			default:
				// Drop if subscriber can't keep up; prevents blocking workflow.
			}
		}
	}
}
