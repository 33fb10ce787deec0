package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Channel delivers a formatted message to one subscriber. An optional
// threadRef targets a sub-channel (forum topic) inside the chat.
type Channel interface {
	Send(ctx context.Context, subscriberID, message, threadRef string) error
}

// TelegramChannel pushes messages through the Telegram Bot API.
type TelegramChannel struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramChannel constructs a Telegram delivery channel.
func NewTelegramChannel(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramChannel{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// Send calls the sendMessage API. The subscriber id is the chat id; a
// non-empty threadRef becomes the message_thread_id.
func (t *TelegramChannel) Send(ctx context.Context, subscriberID, message, threadRef string) error {
	payload := map[string]string{
		"chat_id": subscriberID,
		"text":    message,
	}
	if threadRef != "" {
		payload["message_thread_id"] = threadRef
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram responded with status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	t.logger.Debug().Str("subscriber", subscriberID).Str("thread", threadRef).Msg("message delivered")
	return nil
}

var _ Channel = (*TelegramChannel)(nil)
