package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
)

// Webhook отправляет отчёт POST-запросом на настроенный URL.
type Webhook struct {
	client *http.Client
	url    string
}

var _ domain.Sink = (*Webhook)(nil)

// NewWebhook создаёт приёмник-вебхук.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
	}
}

// Name возвращает имя приёмника.
func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	ReportID     string   `json:"report_id"`
	ChannelID    string   `json:"channel_id"`
	ChannelName  string   `json:"channel_name"`
	Headline     string   `json:"headline"`
	Body         string   `json:"body"`
	City         string   `json:"city,omitempty"`
	GeneratedAt  string   `json:"generated_at"`
	MessageCount int      `json:"message_count"`
	MessageIDs   []string `json:"message_ids"`
	Timeframe    string   `json:"timeframe"`
	Trigger      string   `json:"trigger"`
}

func reportPayload(report domain.Report) webhookPayload {
	return webhookPayload{
		ReportID:     report.ReportID,
		ChannelID:    report.ChannelID,
		ChannelName:  report.ChannelName,
		Headline:     report.Headline,
		Body:         report.Body,
		City:         report.City,
		GeneratedAt:  report.GeneratedAt.UTC().Format(time.RFC3339),
		MessageCount: report.MessageCount,
		MessageIDs:   report.MessageIDs,
		Timeframe:    string(report.Timeframe),
		Trigger:      string(report.Trigger),
	}
}

// Post отправляет отчёт на вебхук.
func (w *Webhook) Post(ctx context.Context, report domain.Report) error {
	body, err := json.Marshal(reportPayload(report))
	if err != nil {
		return fmt.Errorf("упаковка отчёта: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := w.client.Do(req)
	metrics.ObserveNetworkRequest("webhook", "post", w.url, start, err)
	if err != nil {
		return fmt.Errorf("отправка на вебхук: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("вебхук ответил статусом %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
