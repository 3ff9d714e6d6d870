package domain

import (
	"context"
	"time"
)

// MessageSource возвращает сообщения канала за окно, упорядоченные по времени
// (от старых к новым). Инжест сообщений находится вне пайплайна.
type MessageSource interface {
	FetchMessages(ctx context.Context, channelID string, from, to time.Time) ([]Message, error)
}

// ReportStore — долговременный ярус хранения отчётов, источник истины.
type ReportStore interface {
	SaveReport(ctx context.Context, report Report) error
	ReportByID(ctx context.Context, reportID string) (Report, error)
	LatestReport(ctx context.Context, channelID string, timeframe Timeframe) (Report, error)
	ListReports(ctx context.Context, channelID string, limit int) ([]Report, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	ChannelByID(ctx context.Context, channelID string) (Channel, error)
	SaveAttribution(ctx context.Context, attribution SourceAttribution) error
	AttributionByReport(ctx context.Context, reportID string) (SourceAttribution, error)
}

// EphemeralCache — быстрый ярус хранения с TTL.
type EphemeralCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Sink — независимый получатель опубликованного отчёта.
// Ошибка одного приёмника не должна мешать остальным.
type Sink interface {
	Name() string
	Post(ctx context.Context, report Report) error
}
