package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
	"news-reporter/internal/infra/openai"
	"news-reporter/internal/infra/retry"
	"news-reporter/internal/usecase/schedule"
)

type stubMessages struct {
	messages map[string][]domain.Message
}

func (s *stubMessages) FetchMessages(_ context.Context, channelID string, _, _ time.Time) ([]domain.Message, error) {
	return s.messages[channelID], nil
}

type chatResult struct {
	resp openai.ChatCompletionResponse
	err  error
}

type fakeChat struct {
	mu    sync.Mutex
	calls int
	queue []chatResult
}

func (f *fakeChat) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.queue) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("очередь ответов пуста")
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next.resp, next.err
}

func chatOK(content string) chatResult {
	return chatResult{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Content: content}}},
	}}
}

const validReportJSON = `{"headline":"Заголовок","body":"Текст отчёта","city":"Москва"}`

func newTestReportService(store *memStore, source domain.MessageSource, chat *fakeChat, concurrency int) *Service {
	scheduleSvc := schedule.NewService(source, schedule.Config{
		GapThreshold:     15 * time.Minute,
		DynamicMinWindow: 30 * time.Minute,
		DynamicMaxWindow: time.Hour,
		DynamicLookback:  6 * time.Hour,
	}, zerolog.Nop())
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, IsRetryable: domain.IsTransient}
	svc := NewService(scheduleSvc, source, newTestCache(&memCache{}, store), store,
		chat, "test-model", policy, []domain.Timeframe{domain.Timeframe2h}, concurrency, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc
}

func testChannelStore() *memStore {
	return &memStore{channels: []domain.Channel{{ID: "ch", Name: "Новости"}}}
}

func testMessages(channelID string, n int) *stubMessages {
	msgs := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, domain.Message{
			ID:        channelID + "-m" + string(rune('1'+i)),
			ChannelID: channelID,
			Content:   "сообщение",
			Timestamp: testNow.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	return &stubMessages{messages: map[string][]domain.Message{channelID: msgs}}
}

func TestGenerateEmptyWindowIsNotAnError(t *testing.T) {
	chat := &fakeChat{}
	svc := newTestReportService(testChannelStore(), &stubMessages{}, chat, 1)

	report, err := svc.Generate(context.Background(), domain.Channel{ID: "ch"}, domain.Timeframe2h, domain.TriggerScheduled)
	if err != nil {
		t.Fatalf("пустое окно не должно быть ошибкой: %v", err)
	}
	if report != nil {
		t.Fatal("без сообщений отчёт не создаётся")
	}
	if chat.calls != 0 {
		t.Fatalf("LLM не должна вызываться на пустом окне, calls=%d", chat.calls)
	}
}

func TestGetOrCreateIsIdempotentWhileFresh(t *testing.T) {
	store := testChannelStore()
	chat := &fakeChat{queue: []chatResult{chatOK(validReportJSON)}}
	svc := newTestReportService(store, testMessages("ch", 3), chat, 1)

	first, err := svc.GetOrCreate(context.Background(), "ch", domain.Timeframe2h)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.CacheStatus != domain.CacheMiss {
		t.Fatalf("первый отчёт — miss, получили %s", first.CacheStatus)
	}
	if first.Trigger != domain.TriggerScheduled {
		t.Fatalf("фиксированный таймфрейм — триггер scheduled, получили %s", first.Trigger)
	}
	if len(first.MessageIDs) != 3 || first.MessageCount != 3 {
		t.Fatalf("отчёт должен нести идентификаторы исходных сообщений, получили %v", first.MessageIDs)
	}

	second, err := svc.GetOrCreate(context.Background(), "ch", domain.Timeframe2h)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if second.ReportID != first.ReportID {
		t.Fatal("повторный вызов при свежем кэше должен вернуть тот же отчёт")
	}
	if second.CacheStatus != domain.CacheHit {
		t.Fatalf("повторный вызов — hit, получили %s", second.CacheStatus)
	}
	if chat.calls != 1 {
		t.Fatalf("LLM должна вызываться один раз, calls=%d", chat.calls)
	}
}

func TestGetOrCreateCountsBothCacheOutcomes(t *testing.T) {
	store := testChannelStore()
	chat := &fakeChat{queue: []chatResult{chatOK(validReportJSON)}}
	svc := newTestReportService(store, testMessages("ch", 1), chat, 1)

	missCounter := metrics.ReportsBuiltTotal.WithLabelValues(string(domain.Timeframe2h), string(domain.CacheMiss))
	hitCounter := metrics.ReportsBuiltTotal.WithLabelValues(string(domain.Timeframe2h), string(domain.CacheHit))
	missBefore := testutil.ToFloat64(missCounter)
	hitBefore := testutil.ToFloat64(hitCounter)

	if _, err := svc.GetOrCreate(context.Background(), "ch", domain.Timeframe2h); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := svc.GetOrCreate(context.Background(), "ch", domain.Timeframe2h); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if got := testutil.ToFloat64(missCounter) - missBefore; got != 1 {
		t.Fatalf("ожидали один miss в reports_built_total, получили %v", got)
	}
	if got := testutil.ToFloat64(hitCounter) - hitBefore; got != 1 {
		t.Fatalf("ожидали один hit в reports_built_total, получили %v", got)
	}
}

func TestGetOrCreateUnknownChannel(t *testing.T) {
	svc := newTestReportService(&memStore{}, &stubMessages{}, &fakeChat{}, 1)
	_, err := svc.GetOrCreate(context.Background(), "nope", domain.Timeframe2h)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	chat := &fakeChat{queue: []chatResult{
		{err: &domain.TransientError{Op: "openai", Err: errors.New("status 503")}},
		chatOK(validReportJSON),
	}}
	svc := newTestReportService(testChannelStore(), testMessages("ch", 1), chat, 1)

	report, err := svc.GetOrCreate(context.Background(), "ch", domain.Timeframe2h)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report == nil || report.Headline == "" {
		t.Fatal("после повтора отчёт должен быть построен")
	}
	if chat.calls != 2 {
		t.Fatalf("ожидали 2 вызова LLM, было %d", chat.calls)
	}
}

func TestGenerateDoesNotRetryValidationErrors(t *testing.T) {
	chat := &fakeChat{queue: []chatResult{
		chatOK("это не JSON"),
		chatOK(validReportJSON),
	}}
	store := testChannelStore()
	svc := newTestReportService(store, testMessages("ch", 1), chat, 1)

	_, err := svc.GetOrCreate(context.Background(), "ch", domain.Timeframe2h)
	if !domain.IsValidation(err) {
		t.Fatalf("ожидали ValidationError, получили %v", err)
	}
	if chat.calls != 1 {
		t.Fatalf("ошибка валидации не повторяется, calls=%d", chat.calls)
	}
	if len(store.reports) != 0 {
		t.Fatal("при ошибке валидации отчёт не сохраняется")
	}
}

func TestGenerateTreatsTruncationAsValidationError(t *testing.T) {
	chat := &fakeChat{queue: []chatResult{{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatMessage{Content: `{"headline":"x"`},
			FinishReason: openai.FinishReasonLength,
		}},
	}}}}
	svc := newTestReportService(testChannelStore(), testMessages("ch", 1), chat, 1)

	_, err := svc.GetOrCreate(context.Background(), "ch", domain.Timeframe2h)
	if !domain.IsValidation(err) {
		t.Fatalf("обрезанный ответ — ошибка валидации, получили %v", err)
	}
	if chat.calls != 1 {
		t.Fatalf("обрезанный ответ не повторяется, calls=%d", chat.calls)
	}
}

func TestCreateFreshReportsContinuesPastFailures(t *testing.T) {
	store := &memStore{channels: []domain.Channel{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}}
	source := &stubMessages{messages: map[string][]domain.Message{
		"a": {{ID: "a-1", ChannelID: "a", Content: "x", Timestamp: testNow.Add(-time.Minute)}},
		"b": {{ID: "b-1", ChannelID: "b", Content: "y", Timestamp: testNow.Add(-time.Minute)}},
	}}
	// первый канал падает на валидации, второй должен быть построен
	chat := &fakeChat{queue: []chatResult{
		chatOK("мусор"),
		chatOK(validReportJSON),
	}}
	svc := newTestReportService(store, source, chat, 1)

	batch := svc.CreateFreshReports(context.Background(), testNow)
	if len(batch) != 1 {
		t.Fatalf("сбой одной пары не должен прерывать батч, получили %d отчётов", len(batch))
	}
	if batch[0].ChannelID != "b" {
		t.Fatalf("ожидали отчёт по каналу b, получили %s", batch[0].ChannelID)
	}
}

func TestGenerateForManualTriggerRejectsUnknownTimeframe(t *testing.T) {
	svc := newTestReportService(testChannelStore(), &stubMessages{}, &fakeChat{}, 1)
	_, err := svc.GenerateForManualTrigger(context.Background(), []domain.Timeframe{"weekly"})
	if !domain.IsConfiguration(err) {
		t.Fatalf("ожидали ConfigurationError, получили %v", err)
	}
}

func TestGenerateForManualTriggerSetsManualTrigger(t *testing.T) {
	store := testChannelStore()
	chat := &fakeChat{queue: []chatResult{chatOK(validReportJSON)}}
	svc := newTestReportService(store, testMessages("ch", 2), chat, 1)

	reports, err := svc.GenerateForManualTrigger(context.Background(), []domain.Timeframe{domain.TimeframeAll})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("ожидали один отчёт, получили %d", len(reports))
	}
	if reports[0].Trigger != domain.TriggerManual {
		t.Fatalf("ожидали триггер manual, получили %s", reports[0].Trigger)
	}
}
