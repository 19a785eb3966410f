package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TelegramNotifier sends alerts via Telegram Bot API.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return newTelegramNotifier("https://api.telegram.org", botToken, chatID)
}

func newTelegramNotifier(baseURL, botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL:  baseURL,
		botToken: botToken,
		chatID:   chatID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// telegramResponse is the Bot API envelope.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts the alert as a MarkdownV2 message. Info alerts are delivered
// silently.
func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":              t.chatID,
		"text":                 formatTelegram(alert),
		"parse_mode":           "MarkdownV2",
		"disable_notification": alert.Level == AlertInfo,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	var env telegramResponse
	_ = json.NewDecoder(resp.Body).Decode(&env)
	if resp.StatusCode != http.StatusOK {
		if env.Description != "" {
			return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, env.Description)
		}
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	slog.Debug("telegram alert sent", slog.String("kind", string(alert.Kind)), slog.String("title", alert.Title))
	return nil
}

// formatTelegram renders the title line, the message and the position
// context as MarkdownV2.
func formatTelegram(alert Alert) string {
	emoji := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		emoji = "⚠️"
	case AlertCritical:
		emoji = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*", emoji, escapeMarkdown(alert.Title))
	if alert.Kind != "" {
		fmt.Fprintf(&b, " `%s`", escapeMarkdown(string(alert.Kind)))
	}
	b.WriteString("\n\n")
	b.WriteString(escapeMarkdown(alert.Message))
	if scope := alert.Scope(); len(scope) > 0 {
		b.WriteString("\n")
		for _, line := range scope {
			b.WriteString("\n")
			b.WriteString(escapeMarkdown(line))
		}
	}
	return b.String()
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
