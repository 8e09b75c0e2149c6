// Package notify pushes training and endpoint lifecycle events to
// external channels. Long MNIST runs finish while nobody is watching
// the terminal; a Slack or Telegram message says the model is ready.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/config"
	"github.com/odvcencio/kiln/pkg/endpoint"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/retry"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

// EventType defines the type of notification event.
type EventType string

const (
	// EventJobCompleted is sent when a training job finishes successfully
	EventJobCompleted EventType = "job_completed"

	// EventJobFailed is sent when a training job fails
	EventJobFailed EventType = "job_failed"

	// EventJobStopped is sent when a training job is stopped by the user
	EventJobStopped EventType = "job_stopped"

	// EventEndpointDeleted is sent when an inference endpoint is torn down
	EventEndpointDeleted EventType = "endpoint_deleted"

	// EventEndpointFailed is sent when an endpoint enters a failed state
	EventEndpointFailed EventType = "endpoint_failed"
)

// Event is a notification event.
type Event struct {
	// ID is the unique event identifier
	ID string `json:"id"`

	// Type is the event type
	Type EventType `json:"type"`

	// JobID is the training job this event relates to (optional)
	JobID string `json:"job_id,omitempty"`

	// Endpoint is the endpoint name this event relates to (optional)
	Endpoint string `json:"endpoint,omitempty"`

	// Title is a short summary
	Title string `json:"title"`

	// Message is the detailed message
	Message string `json:"message"`

	// Metadata contains additional context
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
}

// JSON renders the event payload.
func (e *Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// ParseEvent decodes an event payload.
func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Adapter sends notifications to a specific channel (Slack, Telegram).
type Adapter interface {
	// Name returns the adapter name
	Name() string

	// Send sends a notification
	Send(ctx context.Context, event *Event) error

	// Close closes the adapter
	Close() error
}

// Manager routes bus events to notification adapters. Sends go through
// the retry strategy since webhook endpoints flake.
type Manager struct {
	adapters []Adapter
	strategy retry.Strategy
	logger   *logging.Logger

	subs []bus.Subscription
}

// NewManager creates a notification manager.
func NewManager(strategy retry.Strategy, logger *logging.Logger, adapters ...Adapter) *Manager {
	return &Manager{
		adapters: adapters,
		strategy: strategy,
		logger:   logger,
	}
}

// FromConfig builds a manager with the adapters the config enables.
// Returns nil when notifications are disabled or nothing is configured.
func FromConfig(cfg *config.Config, logger *logging.Logger) (*Manager, error) {
	if cfg == nil || !cfg.Notify.Enabled {
		return nil, nil
	}

	var adapters []Adapter
	if cfg.Notify.Slack.Enabled {
		slack, err := NewSlackAdapter(SlackConfig{
			WebhookURL: cfg.Notify.Slack.WebhookURL,
			Channel:    cfg.Notify.Slack.Channel,
		})
		if err != nil {
			return nil, fmt.Errorf("slack adapter: %w", err)
		}
		adapters = append(adapters, slack)
	}
	if cfg.Notify.Telegram.Enabled {
		tg, err := NewTelegramAdapter(TelegramConfig{
			BotToken: cfg.Notify.Telegram.BotToken,
			ChatID:   cfg.Notify.Telegram.ChatID,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		adapters = append(adapters, tg)
	}
	if len(adapters) == 0 {
		return nil, nil
	}

	return NewManager(retry.FromPolicy(cfg.Retry), logger, adapters...), nil
}

// Watch subscribes to job and endpoint status subjects and notifies on
// terminal transitions. Non-terminal transitions are ignored.
func (m *Manager) Watch(ctx context.Context, mb bus.MessageBus) error {
	jobSub, err := mb.Subscribe(ctx, trainjob.SubjectStatusAll, func(msg *bus.Message) {
		var ev trainjob.StatusEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		m.handleJobStatus(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("subscribing to job status: %w", err)
	}
	m.subs = append(m.subs, jobSub)

	epSub, err := mb.Subscribe(ctx, endpoint.SubjectStatusAll, func(msg *bus.Message) {
		var ev endpoint.StatusEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		m.handleEndpointStatus(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("subscribing to endpoint status: %w", err)
	}
	m.subs = append(m.subs, epSub)

	return nil
}

func (m *Manager) handleJobStatus(ctx context.Context, ev trainjob.StatusEvent) {
	var eventType EventType
	var title string
	switch ev.Status {
	case trainjob.StatusCompleted:
		eventType = EventJobCompleted
		title = "Training job completed"
	case trainjob.StatusFailed:
		eventType = EventJobFailed
		title = "Training job failed"
	case trainjob.StatusStopped:
		eventType = EventJobStopped
		title = "Training job stopped"
	default:
		return
	}

	message := fmt.Sprintf("Job %s finished with status %s.", ev.JobID, ev.Status)
	if ev.FailureReason != "" {
		message += " Reason: " + ev.FailureReason
	}

	m.Notify(ctx, &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		JobID:     ev.JobID,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (m *Manager) handleEndpointStatus(ctx context.Context, ev endpoint.StatusEvent) {
	var eventType EventType
	var title string
	switch ev.Status {
	case endpoint.StatusDeleting:
		eventType = EventEndpointDeleted
		title = "Endpoint deleted"
	case endpoint.StatusFailed:
		eventType = EventEndpointFailed
		title = "Endpoint failed"
	default:
		return
	}

	message := fmt.Sprintf("Endpoint %s is %s.", ev.Name, strings.ToLower(ev.Status))
	if ev.FailureReason != "" {
		message += " Reason: " + ev.FailureReason
	}

	m.Notify(ctx, &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Endpoint:  ev.Name,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// Notify sends a notification via all configured adapters. Each
// adapter is retried independently; one failing channel does not block
// the others.
func (m *Manager) Notify(ctx context.Context, event *Event) error {
	var lastErr error
	for _, adapter := range m.adapters {
		err := m.strategy.Execute(ctx, func() error {
			return adapter.Send(ctx, event)
		})
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", adapter.Name(), err)
			if m.logger != nil {
				m.logger.Warn(logging.CategoryNotify, "notify.send", "notification delivery failed", map[string]any{
					"adapter": adapter.Name(),
					"event":   string(event.Type),
					"error":   err.Error(),
				})
			}
		}
	}
	return lastErr
}

// Close unsubscribes from the bus and closes all adapters.
func (m *Manager) Close() error {
	var lastErr error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			lastErr = err
		}
	}
	m.subs = nil
	for _, adapter := range m.adapters {
		if err := adapter.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
