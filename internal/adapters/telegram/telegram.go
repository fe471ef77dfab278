package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"breakoutbot/internal/ports"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	maxAttempts    = 3
)

// Notifier implements the ports.Notifier interface against the Telegram Bot
// API. Delivery is best-effort with a small bounded retry; callers treat
// failures as log-only.
type Notifier struct {
	botToken   string
	chatID     string
	baseURL    string
	httpClient *http.Client
	logger     ports.Logger
}

// Config holds configuration for the Telegram notifier.
type Config struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	BaseURL  string // Overridable for tests; defaults to the Telegram API
	Logger   ports.Logger
}

// New creates a new Telegram notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram notifier")
	}
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("%w: Telegram notifier requires bot token and chat id", ports.ErrConfigurationError)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Notifier{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}, nil
}

// Send posts a text message to the configured chat, retrying transient
// failures up to maxAttempts times.
func (n *Notifier) Send(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	payload := map[string]interface{}{
		"chat_id": n.chatID,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode/100 == 2 {
				n.logger.Debug(ctx, "Telegram message delivered", map[string]interface{}{"attempt": attempt})
				return nil
			}
			lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ports.ErrContextCanceled, ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return fmt.Errorf("telegram delivery failed after %d attempts: %w", maxAttempts, lastErr)
}
