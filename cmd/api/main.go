package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"news-reporter/internal/adapters/cache"
	"news-reporter/internal/adapters/repo"
	"news-reporter/internal/domain"
	"news-reporter/internal/infra/config"
	"news-reporter/internal/infra/db"
	infralog "news-reporter/internal/infra/log"
	"news-reporter/internal/infra/metrics"
	openai "news-reporter/internal/infra/openai"
	"news-reporter/internal/infra/retry"
	"news-reporter/internal/usecase/attribution"
	"news-reporter/internal/usecase/report"
	"news-reporter/internal/usecase/schedule"
	"news-reporter/internal/usecase/window"
)

func main() {
	cfg := config.Load()
	logger := infralog.NewLogger(cfg.AppEnv).With().Str("component", "api").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	timeframes, err := domain.ParseTimeframes(cfg.Report.Timeframes)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: некорректный список таймфреймов")
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

	freshness := report.Freshness{Fraction: cfg.Report.FreshnessFraction, Overrides: freshnessOverrides(cfg.Report.FreshnessOverrides)}
	reportCache := report.NewCache(cacheAdapter, repoAdapter, freshness, cfg.Report.CacheTTL, logger)

	reportPolicy := retry.Policy{MaxAttempts: cfg.Report.MaxAttempts, BaseDelay: cfg.Report.RetryBaseDelay, IsRetryable: domain.IsTransient}
	reportSvc := report.NewService(scheduleSvc, repoAdapter, reportCache, repoAdapter,
		llmClient, cfg.OpenAI.Model, reportPolicy, timeframes, cfg.Report.Concurrency, logger)

	attributionPolicy := retry.Policy{MaxAttempts: cfg.Attribution.MaxAttempts, BaseDelay: cfg.Attribution.RetryBaseDelay, IsRetryable: domain.IsTransient}
	attributionSvc := attribution.NewService(llmClient, cfg.OpenAI.Model, attributionPolicy,
		repoAdapter, repoAdapter, cacheAdapter, logger)

	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/v1/reports/{channelID}/latest-batch", handleLatestBatch(repoAdapter, cfg.Report.GapThreshold))
	r.Get("/api/v1/reports/{channelID}/{timeframe}", handleGetReport(reportSvc, cfg.API.RequestTimeout, logger))
	r.Post("/api/v1/reports/generate", handleManualGenerate(reportSvc))
	r.Get("/api/v1/attributions/{reportID}", handleGetAttribution(attributionSvc))
	r.Get("/api/v1/admin/cache/{channelID}/shadow", handleShadowValidate(reportCache, timeframes))

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api: graceful shutdown failed")
		}
	}()

	logger.Info().Int("port", cfg.Port).Msg("api: сервер запущен")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("api: сервер остановлен")
	}
}

// handleGetReport гонит генерацию наперегонки с таймаутом ответа: при
// превышении клиент получает 504, а генерация продолжается в фоне и
// допишет результат в кэш — следующий запрос получит hit.
func handleGetReport(reportSvc *report.Service, timeout time.Duration, logger zerolog.Logger) http.HandlerFunc {
	type result struct {
		report *domain.Report
		err    error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		tf := domain.Timeframe(chi.URLParam(r, "timeframe"))
		if !tf.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "неизвестный таймфрейм"})
			return
		}

		resultCh := make(chan result, 1)
		go func() {
			rep, err := reportSvc.GetOrCreate(context.WithoutCancel(r.Context()), channelID, tf)
			resultCh <- result{report: rep, err: err}
		}()

		select {
		case res := <-resultCh:
			switch {
			case errors.Is(res.err, domain.ErrNotFound):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "канал не найден"})
			case res.err != nil:
				logger.Error().Err(res.err).Str("channel", channelID).Msg("api: сбой генерации отчёта")
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": "не удалось сгенерировать отчёт"})
			case res.report == nil:
				writeJSON(w, http.StatusNotFound, map[string]string{"error": domain.ErrNoMessages.Error()})
			default:
				writeJSON(w, http.StatusOK, reportJSON(*res.report))
			}
		case <-time.After(timeout):
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "генерация не уложилась в таймаут"})
		}
	}
}

func handleManualGenerate(reportSvc *report.Service) http.HandlerFunc {
	type request struct {
		Timeframes []string `json:"timeframes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "некорректное тело запроса"})
			return
		}
		requested := make([]domain.Timeframe, 0, len(req.Timeframes))
		for _, raw := range req.Timeframes {
			requested = append(requested, domain.Timeframe(raw))
		}
		reports, err := reportSvc.GenerateForManualTrigger(r.Context(), requested)
		if err != nil {
			if domain.IsConfiguration(err) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		out := make([]map[string]any, 0, len(reports))
		for _, rep := range reports {
			out = append(out, reportJSON(rep))
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": out})
	}
}

func handleLatestBatch(store domain.ReportStore, gapThreshold time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		reports, err := store.ListReports(r.Context(), channelID, 50)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "не удалось получить отчёты"})
			return
		}
		batch := window.LatestBatch(reports, gapThreshold)
		out := make([]map[string]any, 0, len(batch))
		for _, rep := range batch {
			out = append(out, reportJSON(rep))
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": out})
	}
}

func handleGetAttribution(attributionSvc *attribution.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reportID := chi.URLParam(r, "reportID")
		result, err := attributionSvc.GetOrAttribute(r.Context(), reportID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "отчёт не найден"})
				return
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "не удалось построить привязки"})
			return
		}
		entries := make([]map[string]any, 0, len(result.Attributions))
		for _, a := range result.Attributions {
			entries = append(entries, map[string]any{
				"id":                a.ID,
				"start_index":       a.StartIndex,
				"end_index":         a.EndIndex,
				"text":              a.Text,
				"source_message_id": a.SourceMessageID,
				"confidence":        a.Confidence,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"report_id":    result.ReportID,
			"attributions": entries,
			"generated_at": result.GeneratedAt.UTC().Format(time.RFC3339),
			"version":      result.Version,
		})
	}
}

// handleShadowValidate сверяет ярусы кэша по каналу, ничего не изменяя.
func handleShadowValidate(reportCache *report.Cache, timeframes []domain.Timeframe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		result, err := reportCache.ShadowValidate(r.Context(), channelID, timeframes)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "сверка ярусов не удалась"})
			return
		}
		mismatches := make([]map[string]any, 0, len(result.Mismatches))
		for _, m := range result.Mismatches {
			mismatches = append(mismatches, map[string]any{
				"timeframe": string(m.Timeframe),
				"field":     m.Field,
				"durable":   m.Durable,
				"ephemeral": m.Ephemeral,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channel_id":           result.ChannelID,
			"durable_count":        result.DurableCount,
			"ephemeral_count":      result.EphemeralCount,
			"missing_in_ephemeral": result.MissingInEphemeral,
			"mismatches":           mismatches,
		})
	}
}

func reportJSON(rep domain.Report) map[string]any {
	return map[string]any{
		"report_id":     rep.ReportID,
		"channel_id":    rep.ChannelID,
		"channel_name":  rep.ChannelName,
		"headline":      rep.Headline,
		"body":          rep.Body,
		"city":          rep.City,
		"generated_at":  rep.GeneratedAt.UTC().Format(time.RFC3339),
		"message_count": rep.MessageCount,
		"message_ids":   rep.MessageIDs,
		"timeframe":     string(rep.Timeframe),
		"trigger":       string(rep.Trigger),
		"cache_status":  string(rep.CacheStatus),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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
