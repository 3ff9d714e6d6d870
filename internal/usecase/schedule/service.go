package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"news-reporter/internal/domain"
	"news-reporter/internal/usecase/window"
)

// Config задаёт параметры расчёта окон выборки.
type Config struct {
	// GapThreshold — максимальный разрыв внутри всплеска активности.
	GapThreshold time.Duration
	// DynamicMinWindow и DynamicMaxWindow ограничивают размер динамического окна.
	DynamicMinWindow time.Duration
	DynamicMaxWindow time.Duration
	// DynamicLookback — глубина выборки сообщений для поиска всплеска.
	DynamicLookback time.Duration
}

// Service решает, какие таймфреймы активны на тике, и считает окна выборки.
// Текущее время всегда передаётся параметром, сервис не читает часы сам.
type Service struct {
	source domain.MessageSource
	cfg    Config
	log    zerolog.Logger
}

// NewService создаёт сервис расписания.
func NewService(source domain.MessageSource, cfg Config, logger zerolog.Logger) *Service {
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = window.DefaultGapThreshold
	}
	if cfg.DynamicMinWindow <= 0 {
		cfg.DynamicMinWindow = 30 * time.Minute
	}
	if cfg.DynamicMaxWindow <= 0 {
		cfg.DynamicMaxWindow = 6 * time.Hour
	}
	if cfg.DynamicLookback <= 0 {
		cfg.DynamicLookback = cfg.DynamicMaxWindow
	}
	return &Service{source: source, cfg: cfg, log: logger}
}

// ActiveTimeframes возвращает таймфреймы, активные в указанный час.
func (s *Service) ActiveTimeframes(nowHour int, configured []domain.Timeframe) []domain.Timeframe {
	var active []domain.Timeframe
	for _, tf := range configured {
		if tf.ActiveAt(nowHour) {
			active = append(active, tf)
		}
	}
	return active
}

// ManualTrigger резолвит список таймфреймов ручного запуска.
// Значение TimeframeAll разворачивается во все настроенные таймфреймы;
// пустой запрос резолвится в настроенные значения по умолчанию.
func (s *Service) ManualTrigger(requested, configured []domain.Timeframe) ([]domain.Timeframe, error) {
	if len(requested) == 0 {
		if len(configured) == 0 {
			return nil, &domain.ConfigurationError{Reason: "пустой список таймфреймов и нет значений по умолчанию"}
		}
		return append([]domain.Timeframe(nil), configured...), nil
	}
	var resolved []domain.Timeframe
	for _, tf := range requested {
		if tf == domain.TimeframeAll {
			resolved = append(resolved, configured...)
			continue
		}
		if !tf.Valid() {
			return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("неизвестный таймфрейм %q", tf)}
		}
		resolved = append(resolved, tf)
	}
	if len(resolved) == 0 {
		return nil, &domain.ConfigurationError{Reason: "список таймфреймов резолвится в пустой"}
	}
	return resolved, nil
}

// FetchWindow возвращает окно выборки сообщений для таймфрейма.
// Для фиксированного таймфрейма это [now-D, now]; для динамического размер окна
// определяется текущим всплеском активности канала и ограничивается
// настроенными минимумом и максимумом.
func (s *Service) FetchWindow(ctx context.Context, channelID string, tf domain.Timeframe, now time.Time) (time.Time, time.Time, error) {
	if !tf.IsDynamic() {
		d := tf.Duration()
		if d <= 0 {
			return time.Time{}, time.Time{}, &domain.ConfigurationError{Reason: fmt.Sprintf("таймфрейм %q без длительности", tf)}
		}
		return now.Add(-d), now, nil
	}

	lookbackStart := now.Add(-s.cfg.DynamicLookback)
	messages, err := s.source.FetchMessages(ctx, channelID, lookbackStart, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("выборка сообщений для динамического окна: %w", err)
	}

	span := s.cfg.DynamicMinWindow
	burst := window.SegmentMessages(messages, s.cfg.GapThreshold)
	if len(burst) > 0 {
		// burst упорядочен от свежих к старым: окно тянется от самого
		// старого сообщения всплеска до now.
		burstSpan := now.Sub(burst[len(burst)-1].Timestamp)
		if burstSpan > span {
			span = burstSpan
		}
	}
	if span > s.cfg.DynamicMaxWindow {
		span = s.cfg.DynamicMaxWindow
	}
	s.log.Debug().Str("channel", channelID).Dur("span", span).Int("burst", len(burst)).Msg("schedule: динамическое окно")
	return now.Add(-span), now, nil
}
