package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
)

const defaultFreshnessFraction = 0.5

// Freshness задаёт правило свежести отчётов: доля номинальной длительности
// таймфрейма либо явный порог для отдельных таймфреймов.
type Freshness struct {
	Fraction  float64
	Overrides map[domain.Timeframe]time.Duration
}

// Window возвращает порог свежести для таймфрейма.
func (f Freshness) Window(tf domain.Timeframe) time.Duration {
	if d, ok := f.Overrides[tf]; ok && d > 0 {
		return d
	}
	fraction := f.Fraction
	if fraction <= 0 {
		fraction = defaultFreshnessFraction
	}
	return time.Duration(float64(tf.Duration()) * fraction)
}

// Cache — фасад над двумя ярусами хранения отчётов: быстрым эфемерным (TTL)
// и долговременным (источник истины). Несвежий отчёт никогда не отдаётся.
type Cache struct {
	ephemeral domain.EphemeralCache
	store     domain.ReportStore
	freshness Freshness
	ttl       time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewCache создаёт кэш отчётов.
func NewCache(ephemeral domain.EphemeralCache, store domain.ReportStore, freshness Freshness, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		ephemeral: ephemeral,
		store:     store,
		freshness: freshness,
		ttl:       ttl,
		now:       time.Now,
		log:       logger,
	}
}

func reportKey(channelID string, tf domain.Timeframe) string {
	return "report:" + channelID + ":" + string(tf)
}

func (c *Cache) fresh(report domain.Report) bool {
	return c.now().Sub(report.GeneratedAt) < c.freshness.Window(report.Timeframe)
}

// Get возвращает свежий отчёт из кэша. Сначала опрашивается быстрый ярус,
// при промахе выполняется сверочное чтение из долговременного.
func (c *Cache) Get(ctx context.Context, channelID string, tf domain.Timeframe) (domain.Report, bool) {
	key := reportKey(channelID, tf)
	if raw, err := c.ephemeral.Get(ctx, key); err == nil {
		var report domain.Report
		if err := json.Unmarshal(raw, &report); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache: повреждённая запись в быстром ярусе")
		} else if c.fresh(report) {
			metrics.IncCacheLookup("ephemeral", "hit")
			return report, true
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		c.log.Warn().Err(err).Str("key", key).Msg("cache: ошибка чтения быстрого яруса")
	}
	metrics.IncCacheLookup("ephemeral", "miss")

	report, err := c.store.LatestReport(ctx, channelID, tf)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.log.Warn().Err(err).Str("channel", channelID).Msg("cache: ошибка чтения долговременного яруса")
		}
		metrics.IncCacheLookup("durable", "miss")
		return domain.Report{}, false
	}
	if !c.fresh(report) {
		metrics.IncCacheLookup("durable", "stale")
		return domain.Report{}, false
	}
	metrics.IncCacheLookup("durable", "hit")
	c.backfill(ctx, key, report)
	return report, true
}

// backfill возвращает свежий отчёт в быстрый ярус после сверочного чтения.
func (c *Cache) backfill(ctx context.Context, key string, report domain.Report) {
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := c.ephemeral.Set(ctx, key, raw, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache: не удалось вернуть отчёт в быстрый ярус")
	}
}

// Put записывает отчёт в оба яруса. Долговременный ярус пишется первым и
// остаётся источником истины; сбой записи в быстрый ярус не фатален.
func (c *Cache) Put(ctx context.Context, report domain.Report) error {
	if err := c.store.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("запись в долговременный ярус: %w", err)
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("упаковка отчёта: %w", err)
	}
	if err := c.ephemeral.Set(ctx, reportKey(report.ChannelID, report.Timeframe), raw, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("report", report.ReportID).Msg("cache: сбой записи в быстрый ярус")
	}
	return nil
}

// TierMismatch описывает расхождение полей между ярусами.
type TierMismatch struct {
	Timeframe domain.Timeframe
	Field     string
	Durable   string
	Ephemeral string
}

// ShadowReport — результат сверки ярусов по каналу.
type ShadowReport struct {
	ChannelID          string
	DurableCount       int
	EphemeralCount     int
	MissingInEphemeral []string
	Mismatches         []TierMismatch
}

// ShadowValidate сверяет оба яруса по каналу, ничего не изменяя.
// Диагностика для проверки корректности миграций, не горячий путь.
func (c *Cache) ShadowValidate(ctx context.Context, channelID string, timeframes []domain.Timeframe) (ShadowReport, error) {
	result := ShadowReport{ChannelID: channelID}
	for _, tf := range timeframes {
		durable, durableErr := c.store.LatestReport(ctx, channelID, tf)
		hasDurable := durableErr == nil
		if durableErr != nil && !errors.Is(durableErr, domain.ErrNotFound) {
			return ShadowReport{}, fmt.Errorf("сверка долговременного яруса: %w", durableErr)
		}
		if hasDurable {
			result.DurableCount++
		}

		var ephemeralReport domain.Report
		hasEphemeral := false
		if raw, err := c.ephemeral.Get(ctx, reportKey(channelID, tf)); err == nil {
			if err := json.Unmarshal(raw, &ephemeralReport); err == nil {
				hasEphemeral = true
				result.EphemeralCount++
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return ShadowReport{}, fmt.Errorf("сверка быстрого яруса: %w", err)
		}

		switch {
		case hasDurable && !hasEphemeral:
			result.MissingInEphemeral = append(result.MissingInEphemeral, durable.ReportID)
		case hasDurable && hasEphemeral:
			result.Mismatches = append(result.Mismatches, diffReports(tf, durable, ephemeralReport)...)
		}
	}
	return result, nil
}

func diffReports(tf domain.Timeframe, durable, ephemeral domain.Report) []TierMismatch {
	var out []TierMismatch
	add := func(field, d, e string) {
		if d != e {
			out = append(out, TierMismatch{Timeframe: tf, Field: field, Durable: d, Ephemeral: e})
		}
	}
	add("report_id", durable.ReportID, ephemeral.ReportID)
	add("headline", durable.Headline, ephemeral.Headline)
	add("body", durable.Body, ephemeral.Body)
	add("generated_at", durable.GeneratedAt.UTC().Format(time.RFC3339), ephemeral.GeneratedAt.UTC().Format(time.RFC3339))
	add("message_count", fmt.Sprint(durable.MessageCount), fmt.Sprint(ephemeral.MessageCount))
	return out
}
