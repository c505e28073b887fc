package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"swainos-analytics/internal/insight"
)

// Notifier delivers freshly generated recommendations to an external
// channel.
type Notifier interface {
	Notify(ctx context.Context, rec insight.Recommendation) error
}

// TelegramNotifier pushes recommendations through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends one recommendation via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, rec insight.Recommendation) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(rec),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
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

	n.logger.Info().
		Str("recommendation_id", rec.ID).
		Str("category", string(rec.Category)).
		Msg("recommendation delivered (Telegram)")
	return nil
}

func renderMessage(rec insight.Recommendation) string {
	builder := strings.Builder{}
	builder.WriteString("[SwainOS Insight]\n")
	builder.WriteString(fmt.Sprintf("Title: %s\n", rec.Title))
	builder.WriteString(fmt.Sprintf("Category: %s\n", rec.Category))
	builder.WriteString(fmt.Sprintf("Entity: %s %s\n", rec.EntityType, rec.EntityID))
	builder.WriteString(fmt.Sprintf("Window: %s\n", rec.Window.Key()))
	builder.WriteString(fmt.Sprintf("Created: %s UTC\n", rec.CreatedAt.UTC().Format(time.RFC3339)))
	if rec.Summary != "" {
		builder.WriteString(rec.Summary)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
