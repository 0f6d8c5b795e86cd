// Package connector delivers server notifications to external services.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/events"
)

// WebhookNotifier posts health alerts and match results to a
// Discord-compatible webhook as embeds.
type WebhookNotifier struct {
	cfg      config.WebhookConfig
	eventBus *events.EventBus
	client   *http.Client
}

// NewWebhookNotifier creates a notifier for cfg.URL.
func NewWebhookNotifier(cfg config.WebhookConfig, eventBus *events.EventBus) *WebhookNotifier {
	return &WebhookNotifier{
		cfg:      cfg,
		eventBus: eventBus,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Subscribe registers the notifier on the bus for the enabled event kinds.
func (w *WebhookNotifier) Subscribe() {
	if w.cfg.NotifyHealth {
		w.eventBus.Subscribe(events.EventHealthAlert, "webhook", w.onEvent)
	}
	if w.cfg.NotifyMatches {
		w.eventBus.Subscribe(events.EventGameEnding, "webhook", w.onEvent)
	}
}

func (w *WebhookNotifier) onEvent(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.HealthAlertPayload:
		return w.Send(ctx, "Health check: "+p.Check, p.Message, p.Level)
	case events.GameEndingPayload:
		msg := fmt.Sprintf("Game %d on port %d ended (%s) after %d captures with %d players.",
			p.GameID, p.Port, p.Reason, p.Captures, p.Players)
		if p.Winner != "" {
			msg += " Winner: " + p.Winner
		}
		return w.Send(ctx, fmt.Sprintf("Game %d finished", p.GameID), msg, "info")
	}
	return nil
}

// Send posts one embed to the webhook.
func (w *WebhookNotifier) Send(ctx context.Context, title, message, level string) error {
	var color int
	switch level {
	case "critical", "error":
		color = 0xFF0000 // Red
	case "warning":
		color = 0xFFAA00 // Orange
	default:
		color = 0x00FF00 // Green
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
				"footer": map[string]string{
					"text": "flagrun server",
				},
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	log.Debug().Str("title", title).Msg("webhook notification sent")
	return nil
}
