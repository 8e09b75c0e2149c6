package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscription channel depth. Publishing
// never blocks; a subscriber that falls this far behind starts losing
// messages.
const subscriberBuffer = 256

// MemoryBus is the in-process MessageBus used in local mode. Every
// subscription gets its own delivery goroutine so one slow handler
// cannot stall the others.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*memorySubscription
	nextID  atomic.Uint64
	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[uint64]*memorySubscription),
	}
}

// Publish fans data out to every subscription whose pattern matches
// the subject. Subscribers with full buffers miss the message.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern and starts its
// delivery goroutine.
func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		id:      b.nextID.Add(1),
		pattern: subject,
		handler: handler,
		inbox:   make(chan *Message, subscriberBuffer),
		bus:     b,
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.deliver()
	return sub, nil
}

// Dropped reports how many messages were lost to full subscriber
// buffers since the bus was created.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery and detaches every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.inbox)
	}
	return nil
}

func (b *MemoryBus) detach(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.inbox)
	}
}

// memorySubscription is one registered handler plus its inbox.
type memorySubscription struct {
	id      uint64
	pattern string
	handler MessageHandler
	inbox   chan *Message
	bus     *MemoryBus
	once    sync.Once
}

func (s *memorySubscription) deliver() {
	for msg := range s.inbox {
		s.handler(msg)
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() { s.bus.detach(s.id) })
	return nil
}

func (s *memorySubscription) Subject() string {
	return s.pattern
}

// subjectMatches reports whether a subject satisfies a pattern.
// Patterns follow NATS rules: tokens split on ".", "*" matches
// exactly one token, and a trailing ">" matches one or more.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
