package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/retry"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramAdapter sends notifications via a Telegram bot.
type TelegramAdapter struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	// BotToken is the Telegram bot token from @BotFather
	BotToken string

	// ChatID is the chat/user ID to send messages to
	ChatID string
}

// NewTelegramAdapter creates a Telegram adapter.
func NewTelegramAdapter(cfg TelegramConfig) (*TelegramAdapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("chat ID is required")
	}

	return &TelegramAdapter{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the adapter name.
func (t *TelegramAdapter) Name() string {
	return "telegram"
}

// Send sends a notification via Telegram.
func (t *TelegramAdapter) Send(ctx context.Context, event *Event) error {
	var msg strings.Builder

	switch event.Type {
	case EventJobCompleted:
		msg.WriteString("✅ *Job completed*\n\n")
	case EventJobFailed:
		msg.WriteString("❌ *Job failed*\n\n")
	case EventJobStopped:
		msg.WriteString("🛑 *Job stopped*\n\n")
	case EventEndpointDeleted:
		msg.WriteString("🗑 *Endpoint deleted*\n\n")
	case EventEndpointFailed:
		msg.WriteString("❌ *Endpoint failed*\n\n")
	}

	msg.WriteString("*")
	msg.WriteString(escapeMarkdown(event.Title))
	msg.WriteString("*\n\n")
	msg.WriteString(escapeMarkdown(event.Message))

	switch {
	case event.JobID != "":
		msg.WriteString("\n\n_Job: ")
		msg.WriteString(event.JobID)
		msg.WriteString("_")
	case event.Endpoint != "":
		msg.WriteString("\n\n_Endpoint: ")
		msg.WriteString(event.Endpoint)
		msg.WriteString("_")
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       msg.String(),
		"parse_mode": "Markdown",
	}

	return t.sendRequest(ctx, "sendMessage", payload)
}

func (t *TelegramAdapter) sendRequest(ctx context.Context, method string, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "posting to telegram").
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return kilnerrors.New(kilnerrors.ErrCodeInternal, "telegram API rejected message").
			WithContext("status", resp.StatusCode).
			WithContext("body", string(body)).
			WithRetryable(retry.RetryableStatus(resp.StatusCode))
	}

	return nil
}

// Close closes the adapter.
func (t *TelegramAdapter) Close() error {
	return nil
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
