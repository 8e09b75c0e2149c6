// Package bus carries job and endpoint lifecycle events between the
// platform's components. Subjects are dot-separated, for example
// job.status.completed, and subscriptions may use NATS-style
// wildcards: "*" matches one token, ">" matches the rest.
//
// MemoryBus is the default for local mode and keeps everything
// in-process. NATSBus connects to an external NATS server for
// multi-process deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// MessageBus is the pub/sub fabric lifecycle events travel on.
type MessageBus interface {
	// Publish sends data on a subject. Delivery is at-most-once;
	// subscribers that cannot keep up miss messages.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for a subject pattern. The
	// handler runs on the subscription's delivery goroutine and
	// must not block.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close tears down all subscriptions.
	Close() error
}

// MessageHandler processes one delivered message.
type MessageHandler func(msg *Message)

// Message is a single event on the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is a handle on an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds connection settings for external bus backends.
type Config struct {
	// URL is the server address, for example nats://127.0.0.1:4222.
	URL string

	// Name identifies this client to the server.
	Name string

	// Timeout bounds the initial connection attempt.
	Timeout time.Duration
}

// DefaultConfig returns settings for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://127.0.0.1:4222",
		Name:    "kiln",
		Timeout: 5 * time.Second,
	}
}
