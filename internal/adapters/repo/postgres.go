package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
)

// Postgres реализует долговременный ярус хранения на основе pgxpool.
// Таблицу messages заполняет подсистема инжеста; здесь она только читается.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ReportStore   = (*Postgres)(nil)
	_ domain.MessageSource = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// FetchMessages возвращает сообщения канала за окно, от старых к новым.
func (p *Postgres) FetchMessages(ctx context.Context, channelID string, from, to time.Time) ([]domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, channel_id, ts, content, author, COALESCE(embeds, '[]'::jsonb), COALESCE(referenced_content, '')
FROM messages
WHERE channel_id = $1 AND ts >= $2 AND ts <= $3
ORDER BY ts ASC
`, channelID, from, to)
	metrics.ObserveNetworkRequest("postgres", "messages_select", "messages", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка сообщений: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		var embeds []byte
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.Timestamp, &msg.Content, &msg.Author, &embeds, &msg.ReferencedContent); err != nil {
			return nil, fmt.Errorf("чтение сообщения: %w", err)
		}
		if len(embeds) > 0 {
			if err := json.Unmarshal(embeds, &msg.Embeds); err != nil {
				return nil, fmt.Errorf("распаковка embeds: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MessagesByIDs возвращает сообщения по идентификаторам.
func (p *Postgres) MessagesByIDs(ctx context.Context, ids []string) ([]domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, channel_id, ts, content, author, COALESCE(embeds, '[]'::jsonb), COALESCE(referenced_content, '')
FROM messages
WHERE id = ANY($1)
ORDER BY ts ASC
`, ids)
	metrics.ObserveNetworkRequest("postgres", "messages_by_ids", "messages", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка сообщений по id: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		var embeds []byte
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.Timestamp, &msg.Content, &msg.Author, &embeds, &msg.ReferencedContent); err != nil {
			return nil, fmt.Errorf("чтение сообщения: %w", err)
		}
		if len(embeds) > 0 {
			if err := json.Unmarshal(embeds, &msg.Embeds); err != nil {
				return nil, fmt.Errorf("распаковка embeds: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SaveReport сохраняет отчёт.
func (p *Postgres) SaveReport(ctx context.Context, report domain.Report) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	messageIDs, err := json.Marshal(report.MessageIDs)
	if err != nil {
		return fmt.Errorf("упаковка message_ids: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO reports (report_id, channel_id, channel_name, headline, body, city, generated_at, message_count, message_ids, timeframe, trigger)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, report.ReportID, report.ChannelID, report.ChannelName, report.Headline, report.Body, report.City,
		report.GeneratedAt, report.MessageCount, messageIDs, string(report.Timeframe), string(report.Trigger))
	metrics.ObserveNetworkRequest("postgres", "reports_insert", "reports", start, err)
	if err != nil {
		return fmt.Errorf("сохранение отчёта: %w", err)
	}
	return nil
}

const reportColumns = `report_id, channel_id, channel_name, headline, body, COALESCE(city, ''), generated_at, message_count, message_ids, timeframe, trigger`

func scanReport(row pgx.Row) (domain.Report, error) {
	var report domain.Report
	var messageIDs []byte
	var timeframe, trigger string
	err := row.Scan(&report.ReportID, &report.ChannelID, &report.ChannelName, &report.Headline, &report.Body,
		&report.City, &report.GeneratedAt, &report.MessageCount, &messageIDs, &timeframe, &trigger)
	if err != nil {
		return domain.Report{}, err
	}
	if len(messageIDs) > 0 {
		if err := json.Unmarshal(messageIDs, &report.MessageIDs); err != nil {
			return domain.Report{}, fmt.Errorf("распаковка message_ids: %w", err)
		}
	}
	report.Timeframe = domain.Timeframe(timeframe)
	report.Trigger = domain.GenerationTrigger(trigger)
	return report, nil
}

// ReportByID возвращает отчёт по идентификатору.
func (p *Postgres) ReportByID(ctx context.Context, reportID string) (domain.Report, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE report_id = $1`, reportID)
	report, err := scanReport(row)
	metrics.ObserveNetworkRequest("postgres", "reports_by_id", "reports", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Report{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Report{}, fmt.Errorf("выборка отчёта: %w", err)
	}
	return report, nil
}

// LatestReport возвращает самый свежий отчёт канала за таймфрейм.
func (p *Postgres) LatestReport(ctx context.Context, channelID string, timeframe domain.Timeframe) (domain.Report, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE channel_id = $1 AND timeframe = $2
ORDER BY generated_at DESC
LIMIT 1
`, channelID, string(timeframe))
	report, err := scanReport(row)
	metrics.ObserveNetworkRequest("postgres", "reports_latest", "reports", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Report{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Report{}, fmt.Errorf("выборка последнего отчёта: %w", err)
	}
	return report, nil
}

// ListReports возвращает отчёты канала, от новых к старым.
func (p *Postgres) ListReports(ctx context.Context, channelID string, limit int) ([]domain.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE channel_id = $1
ORDER BY generated_at DESC
LIMIT $2
`, channelID, limit)
	metrics.ObserveNetworkRequest("postgres", "reports_list", "reports", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка отчётов: %w", err)
	}
	defer rows.Close()

	var out []domain.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("чтение отчёта: %w", err)
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

// ListChannels возвращает активные каналы.
func (p *Postgres) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT id, name, is_active FROM channels WHERE is_active ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "channels_list", "channels", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка каналов: %w", err)
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.IsActive); err != nil {
			return nil, fmt.Errorf("чтение канала: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ChannelByID возвращает канал по идентификатору.
func (p *Postgres) ChannelByID(ctx context.Context, channelID string) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var ch domain.Channel
	err := p.pool.QueryRow(ctx, `SELECT id, name, is_active FROM channels WHERE id = $1`, channelID).
		Scan(&ch.ID, &ch.Name, &ch.IsActive)
	metrics.ObserveNetworkRequest("postgres", "channels_by_id", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Channel{}, fmt.Errorf("выборка канала: %w", err)
	}
	return ch, nil
}

// SaveAttribution сохраняет привязки отчёта. Отчёты неизменяемы, поэтому
// повторная запись с тем же report_id не перезаписывает существующую.
func (p *Postgres) SaveAttribution(ctx context.Context, attribution domain.SourceAttribution) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(attribution.Attributions)
	if err != nil {
		return fmt.Errorf("упаковка привязок: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO source_attributions (report_id, attributions, generated_at, version)
VALUES ($1, $2, $3, $4)
ON CONFLICT (report_id) DO NOTHING
`, attribution.ReportID, payload, attribution.GeneratedAt, attribution.Version)
	metrics.ObserveNetworkRequest("postgres", "attributions_insert", "source_attributions", start, err)
	if err != nil {
		return fmt.Errorf("сохранение привязок: %w", err)
	}
	return nil
}

// AttributionByReport возвращает привязки отчёта.
func (p *Postgres) AttributionByReport(ctx context.Context, reportID string) (domain.SourceAttribution, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var attribution domain.SourceAttribution
	var payload []byte
	err := p.pool.QueryRow(ctx, `
SELECT report_id, attributions, generated_at, version
FROM source_attributions
WHERE report_id = $1
`, reportID).Scan(&attribution.ReportID, &payload, &attribution.GeneratedAt, &attribution.Version)
	metrics.ObserveNetworkRequest("postgres", "attributions_by_report", "source_attributions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SourceAttribution{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SourceAttribution{}, fmt.Errorf("выборка привязок: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &attribution.Attributions); err != nil {
			return domain.SourceAttribution{}, fmt.Errorf("распаковка привязок: %w", err)
		}
	}
	return attribution, nil
}
