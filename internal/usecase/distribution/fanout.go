package distribution

import (
	"context"

	"github.com/rs/zerolog"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
)

// FanOut публикует лучший отчёт пачки в независимые приёмники.
type FanOut struct {
	sinks []domain.Sink
	log   zerolog.Logger
}

// NewFanOut создаёт раздачу по приёмникам.
func NewFanOut(sinks []domain.Sink, logger zerolog.Logger) *FanOut {
	return &FanOut{sinks: sinks, log: logger}
}

// PostTop выбирает отчёт с наибольшим числом сообщений (при равенстве — самый
// свежий) и отправляет его каждому приёмнику. Сбой одного приёмника логируется
// и не мешает остальным; порядок приёмников не гарантируется, повторов нет.
// Пустая пачка — не ошибка.
func (f *FanOut) PostTop(ctx context.Context, reports []domain.Report) {
	top, ok := pickTop(reports)
	if !ok {
		f.log.Info().Msg("distribution: пустая пачка, публиковать нечего")
		return
	}
	for _, sink := range f.sinks {
		if err := sink.Post(ctx, top); err != nil {
			metrics.IncSinkError(sink.Name())
			f.log.Error().Err(err).Str("sink", sink.Name()).Str("report", top.ReportID).Msg("distribution: сбой публикации")
			continue
		}
		f.log.Info().Str("sink", sink.Name()).Str("report", top.ReportID).Msg("distribution: отчёт опубликован")
	}
}

func pickTop(reports []domain.Report) (domain.Report, bool) {
	if len(reports) == 0 {
		return domain.Report{}, false
	}
	top := reports[0]
	for _, report := range reports[1:] {
		if report.MessageCount > top.MessageCount {
			top = report
			continue
		}
		if report.MessageCount == top.MessageCount && report.GeneratedAt.After(top.GeneratedAt) {
			top = report
		}
	}
	return top, true
}
