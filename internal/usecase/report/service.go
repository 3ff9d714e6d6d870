package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
	openai "news-reporter/internal/infra/openai"
	"news-reporter/internal/infra/retry"
	"news-reporter/internal/usecase/schedule"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Service генерирует отчёты: окно выборки -> сообщения -> кэш -> LLM -> хранение.
type Service struct {
	schedule    *schedule.Service
	source      domain.MessageSource
	cache       *Cache
	store       domain.ReportStore
	llm         chatClient
	model       string
	policy      retry.Policy
	configured  []domain.Timeframe
	concurrency int
	log         zerolog.Logger
	now         func() time.Time
}

// NewService создаёт сервис генерации отчётов.
func NewService(scheduleSvc *schedule.Service, source domain.MessageSource, cache *Cache, store domain.ReportStore,
	llm chatClient, model string, policy retry.Policy, configured []domain.Timeframe, concurrency int, logger zerolog.Logger) *Service {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if policy.IsRetryable == nil {
		policy.IsRetryable = domain.IsTransient
	}
	return &Service{
		schedule:    scheduleSvc,
		source:      source,
		cache:       cache,
		store:       store,
		llm:         llm,
		model:       model,
		policy:      policy,
		configured:  configured,
		concurrency: concurrency,
		log:         logger,
		now:         time.Now,
	}
}

// Generate строит отчёт по каналу за таймфрейм. Пустое окно — не ошибка,
// отчёт в этом случае не создаётся и возвращается nil.
func (s *Service) Generate(ctx context.Context, channel domain.Channel, tf domain.Timeframe, trigger domain.GenerationTrigger) (*domain.Report, error) {
	now := s.now().UTC()
	from, to, err := s.schedule.FetchWindow(ctx, channel.ID, tf, now)
	if err != nil {
		return nil, err
	}

	messages, err := s.source.FetchMessages(ctx, channel.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("выборка сообщений: %w", err)
	}
	if len(messages) == 0 {
		s.log.Debug().Str("channel", channel.ID).Str("timeframe", string(tf)).Msg("report: пустое окно, отчёт не создаётся")
		return nil, nil
	}

	start := time.Now()
	if cached, ok := s.cache.Get(ctx, channel.ID, tf); ok {
		cached.CacheStatus = domain.CacheHit
		metrics.ObserveReportBuild(string(tf), string(domain.CacheHit), start)
		return &cached, nil
	}
	payload, err := retry.Do(ctx, s.policy, func(ctx context.Context) (generationPayload, error) {
		return s.complete(ctx, channel, messages)
	})
	if err != nil {
		return nil, fmt.Errorf("генерация отчёта %s/%s: %w", channel.ID, tf, err)
	}

	report := domain.Report{
		ReportID:     uuid.NewString(),
		ChannelID:    channel.ID,
		ChannelName:  channel.Name,
		Headline:     payload.Headline,
		Body:         payload.Body,
		City:         payload.City,
		GeneratedAt:  now,
		MessageCount: len(messages),
		MessageIDs:   messageIDs(messages),
		Timeframe:    tf,
		Trigger:      trigger,
		CacheStatus:  domain.CacheMiss,
	}
	if err := s.cache.Put(ctx, report); err != nil {
		return nil, err
	}
	metrics.ObserveReportBuild(string(tf), string(domain.CacheMiss), start)
	return &report, nil
}

// GetOrCreate возвращает свежий отчёт из кэша либо генерирует новый.
func (s *Service) GetOrCreate(ctx context.Context, channelID string, tf domain.Timeframe) (*domain.Report, error) {
	channel, err := s.store.ChannelByID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("канал %s: %w", channelID, err)
	}
	trigger := domain.TriggerScheduled
	if tf.IsDynamic() {
		trigger = domain.TriggerDynamic
	}
	return s.Generate(ctx, channel, tf, trigger)
}

// CreateFreshReports генерирует отчёты по всем каналам для таймфреймов,
// активных в текущий час. Пары (канал, таймфрейм) обрабатываются независимо:
// сбой одной пары логируется и не прерывает остальные.
func (s *Service) CreateFreshReports(ctx context.Context, now time.Time) []domain.Report {
	active := s.schedule.ActiveTimeframes(now.UTC().Hour(), s.configured)
	if len(active) == 0 {
		s.log.Info().Int("hour", now.UTC().Hour()).Msg("report: нет активных таймфреймов на тике")
		return nil
	}
	return s.generateBatch(ctx, active, func(tf domain.Timeframe) domain.GenerationTrigger {
		if tf.IsDynamic() {
			return domain.TriggerDynamic
		}
		return domain.TriggerScheduled
	})
}

// GenerateForManualTrigger запускает ту же пакетную генерацию по явному списку
// таймфреймов. Конфигурационная ошибка означает пропуск батча, не падение.
func (s *Service) GenerateForManualTrigger(ctx context.Context, requested []domain.Timeframe) ([]domain.Report, error) {
	resolved, err := s.schedule.ManualTrigger(requested, s.configured)
	if err != nil {
		s.log.Warn().Err(err).Msg("report: ручной запуск отклонён")
		return nil, err
	}
	reports := s.generateBatch(ctx, resolved, func(domain.Timeframe) domain.GenerationTrigger {
		return domain.TriggerManual
	})
	return reports, nil
}

func (s *Service) generateBatch(ctx context.Context, timeframes []domain.Timeframe, triggerFor func(domain.Timeframe) domain.GenerationTrigger) []domain.Report {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("report: не удалось получить список каналов")
		return nil
	}

	type pair struct {
		channel domain.Channel
		tf      domain.Timeframe
	}
	jobs := make(chan pair)
	var (
		mu      sync.Mutex
		reports []domain.Report
		wg      sync.WaitGroup
	)
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				report, err := s.Generate(ctx, job.channel, job.tf, triggerFor(job.tf))
				if err != nil {
					metrics.ReportBatchErrors.Inc()
					s.log.Error().Err(err).Str("channel", job.channel.ID).Str("timeframe", string(job.tf)).Msg("report: сбой генерации в батче")
					continue
				}
				if report == nil {
					continue
				}
				mu.Lock()
				reports = append(reports, *report)
				mu.Unlock()
			}
		}()
	}
	for _, ch := range channels {
		for _, tf := range timeframes {
			jobs <- pair{channel: ch, tf: tf}
		}
	}
	close(jobs)
	wg.Wait()
	return reports
}

type generationPayload struct {
	Headline string `json:"headline"`
	Body     string `json:"body"`
	City     string `json:"city"`
}

func (s *Service) complete(ctx context.Context, channel domain.Channel, messages []domain.Message) (generationPayload, error) {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.2,
		MaxTokens:   1200,
		Messages: []openai.ChatMessage{
			{
				Role:    openai.RoleSystem,
				Content: "You are a news editor. Write a factual report based only on the provided source messages. Never invent facts.",
			},
			{
				Role:    openai.RoleUser,
				Content: buildGenerationPrompt(channel, messages),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := s.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return generationPayload{}, err
	}
	if len(resp.Choices) == 0 {
		return generationPayload{}, &domain.ValidationError{Reason: "пустой список choices"}
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return generationPayload{}, &domain.ValidationError{Reason: "ответ обрезан по лимиту токенов"}
	}
	var payload generationPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(choice.Message.Content)), &payload); err != nil {
		return generationPayload{}, &domain.ValidationError{Reason: fmt.Sprintf("не удалось разобрать JSON: %v", err)}
	}
	payload.Headline = strings.TrimSpace(payload.Headline)
	payload.Body = strings.TrimSpace(payload.Body)
	payload.City = strings.TrimSpace(payload.City)
	if payload.Headline == "" || payload.Body == "" {
		return generationPayload{}, &domain.ValidationError{Reason: "пустые обязательные поля headline/body"}
	}
	return payload, nil
}

func buildGenerationPrompt(channel domain.Channel, messages []domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Write a news report for channel %q from the source messages below.
Return JSON of the form {"headline": "...", "body": "...", "city": "..."} with no extra commentary.
The headline is one sentence, the body is a few factual paragraphs, the city is the main location of the events (empty string if none).

Source messages:
`, channel.Name)
	for _, msg := range messages {
		fmt.Fprintf(&b, "[%s] %s %s: %s\n", msg.ID, msg.Timestamp.UTC().Format(time.RFC3339), msg.Author, clipRunes(msg.Content, 2000))
		if msg.ReferencedContent != "" {
			fmt.Fprintf(&b, "  (reply to: %s)\n", clipRunes(msg.ReferencedContent, 500))
		}
	}
	return b.String()
}

func messageIDs(messages []domain.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.ID)
	}
	return ids
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
