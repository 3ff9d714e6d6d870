package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	ReportBuildSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "report_build_seconds",
		Help:    "Время генерации отчёта",
		Buckets: prometheus.DefBuckets,
	}, []string{"timeframe"})

	ReportsBuiltTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reports_built_total",
		Help: "Количество построенных отчётов",
	}, []string{"timeframe", "cache_status"})

	ReportBatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "report_batch_errors_total",
		Help: "Ошибки генерации внутри батча",
	})

	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "report_cache_lookups_total",
		Help: "Обращения к кэшу отчётов по ярусам",
	}, []string{"tier", "status"})

	AttributionCandidatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attribution_candidates_total",
		Help: "Кандидаты привязки по результату сопоставления",
	}, []string{"outcome"})

	SinkErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_errors_total",
		Help: "Ошибки публикации отчётов по приёмникам",
	}, []string{"sink"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		ReportBuildSeconds,
		ReportsBuiltTotal,
		ReportBatchErrors,
		CacheLookupsTotal,
		AttributionCandidatesTotal,
		SinkErrorsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveReportBuild записывает результат генерации отчёта.
func ObserveReportBuild(timeframe, cacheStatus string, start time.Time) {
	ReportBuildSeconds.WithLabelValues(timeframe).Observe(time.Since(start).Seconds())
	ReportsBuiltTotal.WithLabelValues(timeframe, cacheStatus).Inc()
}

// IncCacheLookup увеличивает счётчик обращений к ярусу кэша.
func IncCacheLookup(tier, status string) {
	CacheLookupsTotal.WithLabelValues(tier, status).Inc()
}

// IncAttributionCandidate учитывает исход сопоставления кандидата привязки.
func IncAttributionCandidate(outcome string) {
	AttributionCandidatesTotal.WithLabelValues(outcome).Inc()
}

// IncSinkError увеличивает счётчик ошибок приёмника.
func IncSinkError(sink string) {
	SinkErrorsTotal.WithLabelValues(sink).Inc()
}
