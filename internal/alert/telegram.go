package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	telegramAPI      = "https://api.telegram.org"
	telegramSpacing  = 1500 * time.Millisecond
	telegramAttempts = 3
)

type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPI,
		client:   &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(telegramSpacing), 1),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func formatTelegram(alert AlertPayload) string {
	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", icon, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
		}
	}
	return b.String()
}

// Send posts the alert, keeping at least 1.5s between messages and honouring retry_after on 429.
// A message Telegram cannot parse as Markdown is resent as plain text.
func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	text := formatTelegram(alert)
	parseMode := "Markdown"
	for attempt := 1; attempt <= telegramAttempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		resp, status, err := t.post(ctx, text, parseMode)
		if err != nil {
			return err
		}
		if status == http.StatusOK && resp.OK {
			return nil
		}

		switch {
		case status == http.StatusTooManyRequests && resp.Parameters.RetryAfter > 0:
			wait := time.Duration(resp.Parameters.RetryAfter) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		case status == http.StatusBadRequest && parseMode != "" && strings.Contains(resp.Description, "parse entities"):
			parseMode = ""
		default:
			return fmt.Errorf("telegram api failed with status %d: %s", status, resp.Description)
		}
	}
	return fmt.Errorf("telegram api still failing after %d attempts", telegramAttempts)
}

func (t *TelegramChannel) post(ctx context.Context, text, parseMode string) (*telegramResponse, int, error) {
	payload := map[string]interface{}{
		"chat_id": t.chatID,
		"text":    text,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil && resp.StatusCode == http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode telegram response: %w", err)
	}
	return &tr, resp.StatusCode, nil
}
