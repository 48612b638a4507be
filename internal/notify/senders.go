package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/atmx/trading-engine/internal/model"
)

// WebhookSender posts events as JSON to an operator webhook.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a WebhookSender with a 10-second client timeout.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Send(ctx context.Context, e model.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (s *WebhookSender) Name() string { return "webhook" }

// LogSender writes events to a logger. Ledger invariant events are logged
// at error level.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With(slog.String("component", "events"))}
}

func (s *LogSender) Send(ctx context.Context, e model.Event) error {
	level := slog.LevelInfo
	if e.Type == model.EventLedgerInvariant {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "engine event",
		slog.String("event", string(e.Type)),
		slog.String("owner", e.OwnerID),
		slog.String("position", e.PositionID),
		slog.String("symbol", e.Symbol),
		slog.String("close_price", e.ClosePrice.String()),
		slog.String("realized_pnl", e.RealizedPnL.String()),
		slog.String("remaining_margin", e.RemainingMargin.String()),
		slog.String("message", e.Message),
	)
	return nil
}

func (s *LogSender) Name() string { return "log" }
