package sink

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
)

// Telegram публикует отчёт в канал через Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

var _ domain.Sink = (*Telegram)(nil)

// NewTelegram создаёт приёмник Telegram.
func NewTelegram(bot *tgbotapi.BotAPI, chatID int64) *Telegram {
	return &Telegram{bot: bot, chatID: chatID}
}

// Name возвращает имя приёмника.
func (t *Telegram) Name() string { return "telegram" }

// Post отправляет отчёт в чат.
func (t *Telegram) Post(ctx context.Context, report domain.Report) error {
	msg := tgbotapi.NewMessage(t.chatID, formatReportHTML(report))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	start := time.Now()
	_, err := t.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send_message", "sink", start, err)
	if err != nil {
		return fmt.Errorf("отправка в telegram: %w", err)
	}
	return nil
}

func formatReportHTML(report domain.Report) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(report.Headline))
	b.WriteString("</b>\n\n")
	b.WriteString(html.EscapeString(report.Body))
	b.WriteString("\n\n<i>")
	b.WriteString(html.EscapeString(report.ChannelName))
	if report.City != "" {
		b.WriteString(" · ")
		b.WriteString(html.EscapeString(report.City))
	}
	b.WriteString(" · ")
	b.WriteString(report.GeneratedAt.UTC().Format("2006-01-02 15:04"))
	b.WriteString("</i>")
	return b.String()
}
