package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/retry"
)

// SlackAdapter sends notifications via Slack incoming webhooks.
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	// WebhookURL is the Slack incoming webhook URL
	WebhookURL string

	// Channel overrides the default channel (optional)
	Channel string
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter(cfg SlackConfig) (*SlackAdapter, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	return &SlackAdapter{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the adapter name.
func (s *SlackAdapter) Name() string {
	return "slack"
}

// Send sends a notification via Slack.
func (s *SlackAdapter) Send(ctx context.Context, event *Event) error {
	var emoji string
	var color string

	switch event.Type {
	case EventJobCompleted:
		emoji = ":white_check_mark:"
		color = "#00AA00"
	case EventJobFailed, EventEndpointFailed:
		emoji = ":x:"
		color = "#FF0000"
	case EventJobStopped:
		emoji = ":octagonal_sign:"
		color = "#FFAA00"
	case EventEndpointDeleted:
		emoji = ":wastebasket:"
		color = "#888888"
	default:
		emoji = ":bell:"
		color = "#0066FF"
	}

	var footer string
	switch {
	case event.JobID != "":
		footer = fmt.Sprintf("Job: %s", event.JobID)
	case event.Endpoint != "":
		footer = fmt.Sprintf("Endpoint: %s", event.Endpoint)
	}

	payload := map[string]interface{}{
		"username":   "Kiln",
		"icon_emoji": ":fire:",
		"attachments": []map[string]interface{}{
			{
				"color":     color,
				"title":     fmt.Sprintf("%s %s", emoji, event.Title),
				"text":      event.Message,
				"footer":    footer,
				"ts":        event.Timestamp.Unix(),
				"mrkdwn_in": []string{"text"},
			},
		},
	}

	if s.channel != "" {
		payload["channel"] = s.channel
	}

	return s.sendWebhook(ctx, payload)
}

func (s *SlackAdapter) sendWebhook(ctx context.Context, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "posting slack webhook").
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return kilnerrors.New(kilnerrors.ErrCodeInternal, "slack webhook rejected").
			WithContext("status", resp.StatusCode).
			WithContext("body", string(body)).
			WithRetryable(retry.RetryableStatus(resp.StatusCode))
	}

	return nil
}

// Close closes the adapter.
func (s *SlackAdapter) Close() error {
	return nil
}
