package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"news-reporter/internal/adapters/cache"
	"news-reporter/internal/adapters/repo"
	"news-reporter/internal/adapters/sink"
	"news-reporter/internal/domain"
	"news-reporter/internal/infra/config"
	"news-reporter/internal/infra/db"
	infralog "news-reporter/internal/infra/log"
	"news-reporter/internal/infra/metrics"
	openai "news-reporter/internal/infra/openai"
	"news-reporter/internal/infra/retry"
	"news-reporter/internal/usecase/attribution"
	"news-reporter/internal/usecase/distribution"
	"news-reporter/internal/usecase/report"
	"news-reporter/internal/usecase/schedule"
	"news-reporter/internal/usecase/window"
)

func main() {
	cfg := config.Load()
	logger := infralog.NewLogger(cfg.AppEnv).With().Str("component", "scheduler").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	timeframes, err := domain.ParseTimeframes(cfg.Report.Timeframes)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: некорректный список таймфреймов")
	}

	repoAdapter := repo.NewPostgres(pool)
	cacheAdapter := cache.NewRedis(redisClient)
	llmClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)

	scheduleSvc := schedule.NewService(repoAdapter, schedule.Config{
		GapThreshold:     cfg.Report.GapThreshold,
		DynamicMinWindow: cfg.Report.DynamicMinWindow,
		DynamicMaxWindow: cfg.Report.DynamicMaxWindow,
		DynamicLookback:  cfg.Report.DynamicLookback,
	}, logger)

	freshness := report.Freshness{
		Fraction:  cfg.Report.FreshnessFraction,
		Overrides: freshnessOverrides(cfg.Report.FreshnessOverrides),
	}
	reportCache := report.NewCache(cacheAdapter, repoAdapter, freshness, cfg.Report.CacheTTL, logger)

	reportPolicy := retry.Policy{
		MaxAttempts: cfg.Report.MaxAttempts,
		BaseDelay:   cfg.Report.RetryBaseDelay,
		IsRetryable: domain.IsTransient,
	}
	reportSvc := report.NewService(scheduleSvc, repoAdapter, reportCache, repoAdapter,
		llmClient, cfg.OpenAI.Model, reportPolicy, timeframes, cfg.Report.Concurrency, logger)

	attributionPolicy := retry.Policy{
		MaxAttempts: cfg.Attribution.MaxAttempts,
		BaseDelay:   cfg.Attribution.RetryBaseDelay,
		IsRetryable: domain.IsTransient,
	}
	attributionSvc := attribution.NewService(llmClient, cfg.OpenAI.Model, attributionPolicy,
		repoAdapter, repoAdapter, cacheAdapter, logger)

	fanout := distribution.NewFanOut(buildSinks(cfg, logger), logger)

	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	runTick := func(now time.Time) {
		batch := reportSvc.CreateFreshReports(ctx, now)
		logger.Info().Int("reports", len(batch)).Time("tick", now).Msg("scheduler: батч завершён")
		for _, rep := range batch {
			if rep.CacheStatus != domain.CacheMiss {
				continue
			}
			if _, err := attributionSvc.GetOrAttribute(ctx, rep.ReportID); err != nil {
				logger.Error().Err(err).Str("report", rep.ReportID).Msg("scheduler: сбой привязки источников")
			}
		}
		fanout.PostTop(ctx, window.LatestBatch(batch, cfg.Report.GapThreshold))
	}

	runTick(time.Now().UTC())
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановка")
			return
		case now := <-ticker.C:
			runTick(now.UTC())
		}
	}
}

func buildSinks(cfg config.AppConfig, logger zerolog.Logger) []domain.Sink {
	var sinks []domain.Sink
	if cfg.Sinks.TelegramToken != "" && cfg.Sinks.TelegramChatID != 0 {
		bot, err := tgbotapi.NewBotAPI(cfg.Sinks.TelegramToken)
		if err != nil {
			logger.Error().Err(err).Msg("scheduler: telegram-приёмник недоступен")
		} else {
			sinks = append(sinks, sink.NewTelegram(bot, cfg.Sinks.TelegramChatID))
		}
	}
	if cfg.Sinks.AMQPURL != "" {
		sinks = append(sinks, sink.NewAMQP(cfg.Sinks.AMQPURL, cfg.Sinks.AMQPQueue))
	}
	if cfg.Sinks.WebhookURL != "" {
		sinks = append(sinks, sink.NewWebhook(cfg.Sinks.WebhookURL))
	}
	if len(sinks) == 0 {
		logger.Warn().Msg("scheduler: не настроен ни один приёмник публикации")
	}
	return sinks
}

func freshnessOverrides(raw map[string]time.Duration) map[domain.Timeframe]time.Duration {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[domain.Timeframe]time.Duration, len(raw))
	for k, v := range raw {
		out[domain.Timeframe(k)] = v
	}
	return out
}
