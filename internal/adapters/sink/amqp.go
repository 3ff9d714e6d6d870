package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
)

// AMQP публикует отчёт в очередь RabbitMQ.
// Соединение открывается на время публикации: приёмник вызывается
// один раз за тик батча, держать постоянный канал незачем.
type AMQP struct {
	url   string
	queue string
}

var _ domain.Sink = (*AMQP)(nil)

// NewAMQP создаёт приёмник RabbitMQ.
func NewAMQP(url, queue string) *AMQP {
	return &AMQP{url: url, queue: queue}
}

// Name возвращает имя приёмника.
func (a *AMQP) Name() string { return "amqp" }

// Post публикует отчёт в очередь.
func (a *AMQP) Post(ctx context.Context, report domain.Report) error {
	body, err := json.Marshal(reportPayload(report))
	if err != nil {
		return fmt.Errorf("упаковка отчёта: %w", err)
	}

	start := time.Now()
	err = a.publish(ctx, body, report.ReportID)
	metrics.ObserveNetworkRequest("rabbitmq", "publish", a.queue, start, err)
	return err
}

func (a *AMQP) publish(ctx context.Context, body []byte, messageID string) error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("открытие канала: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("объявление очереди: %w", err)
	}

	err = ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("публикация: %w", err)
	}
	return nil
}
