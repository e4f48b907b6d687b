package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cyclone/internal/pkg/backoff"
)

const telegramAPI = "https://api.telegram.org"

// Telegram posts messages to a chat through the Bot API. Delivery is
// best effort with a bounded retry; a failed send never blocks the
// engine beyond the retry budget.
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client

	// BaseURL overrides the API host, for tests.
	BaseURL string

	retry backoff.Policy
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		Client:   &http.Client{Timeout: 15 * time.Second},
		retry:    backoff.Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 3},
	}
}

// SendText delivers one Markdown message to the configured chat.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram notifier missing bot token or chat id")
	}
	base := t.BaseURL
	if base == "" {
		base = telegramAPI
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)

	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode telegram payload: %w", err)
	}

	return t.retry.Do(ctx, "telegram send", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("telegram status=%d", resp.StatusCode)
		}
		return nil
	})
}
