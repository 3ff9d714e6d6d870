package attribution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"news-reporter/internal/domain"
	openai "news-reporter/internal/infra/openai"
	"news-reporter/internal/infra/retry"
)

type chatResult struct {
	content string
	err     error
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
	if next.err != nil {
		return openai.ChatCompletionResponse{}, next.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Content: next.content}}},
	}, nil
}

type stubStore struct {
	reports map[string]domain.Report
	attribs map[string]domain.SourceAttribution
	saved   int
}

func (s *stubStore) SaveReport(context.Context, domain.Report) error { return nil }

func (s *stubStore) ReportByID(_ context.Context, reportID string) (domain.Report, error) {
	if r, ok := s.reports[reportID]; ok {
		return r, nil
	}
	return domain.Report{}, domain.ErrNotFound
}

func (s *stubStore) LatestReport(context.Context, string, domain.Timeframe) (domain.Report, error) {
	return domain.Report{}, domain.ErrNotFound
}

func (s *stubStore) ListReports(context.Context, string, int) ([]domain.Report, error) {
	return nil, nil
}

func (s *stubStore) ListChannels(context.Context) ([]domain.Channel, error) { return nil, nil }

func (s *stubStore) ChannelByID(context.Context, string) (domain.Channel, error) {
	return domain.Channel{}, domain.ErrNotFound
}

func (s *stubStore) SaveAttribution(_ context.Context, attribution domain.SourceAttribution) error {
	if s.attribs == nil {
		s.attribs = map[string]domain.SourceAttribution{}
	}
	s.attribs[attribution.ReportID] = attribution
	s.saved++
	return nil
}

func (s *stubStore) AttributionByReport(_ context.Context, reportID string) (domain.SourceAttribution, error) {
	if a, ok := s.attribs[reportID]; ok {
		return a, nil
	}
	return domain.SourceAttribution{}, domain.ErrNotFound
}

type stubLookup struct {
	messages []domain.Message
}

func (s *stubLookup) MessagesByIDs(context.Context, []string) ([]domain.Message, error) {
	return s.messages, nil
}

type kvCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *kvCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if raw, ok := c.data[key]; ok {
		return raw, nil
	}
	return nil, domain.ErrNotFound
}

func (c *kvCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = value
	return nil
}

var testReport = domain.Report{
	ReportID:   "rep-1",
	Body:       "Мэр открыл парк. Движение по центру ограничено.",
	MessageIDs: []string{"m1", "m2"},
}

var testSources = []domain.Message{
	{ID: "m1", Content: "открытие парка"},
	{ID: "m2", Content: "перекрытие улиц"},
}

func newTestService(chat *fakeChat, store *stubStore, lookup *stubLookup, cache *kvCache) *Service {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, IsRetryable: domain.IsTransient}
	return NewService(chat, "test-model", policy, store, lookup, cache, zerolog.Nop())
}

func TestAttributeSortsAndClampsCandidates(t *testing.T) {
	// кандидаты приходят в произвольном порядке с выходом confidence за [0,1]
	chat := &fakeChat{queue: []chatResult{{content: `{"attributions":[
		{"id":"a1","text":"Движение по центру ограничено","source_message_id":"m2","confidence":1.5},
		{"id":"a2","text":"Мэр открыл парк","source_message_id":"m1","confidence":-0.2}
	]}`}}}
	svc := newTestService(chat, &stubStore{}, &stubLookup{}, &kvCache{})

	got, err := svc.Attribute(context.Background(), testReport, testSources)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(got.Attributions) != 2 {
		t.Fatalf("ожидали 2 привязки, получили %d", len(got.Attributions))
	}
	first, second := got.Attributions[0], got.Attributions[1]
	if first.ID != "a2" || second.ID != "a1" {
		t.Fatalf("привязки должны быть отсортированы по start_index: %s, %s", first.ID, second.ID)
	}
	if first.Confidence != 0 || second.Confidence != 1 {
		t.Fatalf("confidence должен быть ограничен [0,1]: %v, %v", first.Confidence, second.Confidence)
	}
	if testReport.Body[first.StartIndex:first.EndIndex] != first.Text {
		t.Fatalf("границы не совпадают с текстом: %q", first.Text)
	}
	if got.Version != Version {
		t.Fatalf("ожидали версию %d, получили %d", Version, got.Version)
	}
}

func TestAttributeRetriesWhenNothingMatched(t *testing.T) {
	chat := &fakeChat{queue: []chatResult{
		{content: `{"attributions":[{"id":"x","text":"этого нет в теле","source_message_id":"m1","confidence":0.9}]}`},
		{content: `{"attributions":[{"id":"y","text":"Мэр открыл парк","source_message_id":"m1","confidence":0.9}]}`},
	}}
	svc := newTestService(chat, &stubStore{}, &stubLookup{}, &kvCache{})

	got, err := svc.Attribute(context.Background(), testReport, testSources)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if chat.calls != 2 {
		t.Fatalf("пустой результат непоследней попытки повторяется, calls=%d", chat.calls)
	}
	if len(got.Attributions) != 1 || got.Attributions[0].ID != "y" {
		t.Fatalf("ожидали привязку y, получили %v", got.Attributions)
	}
}

func TestAttributeAcceptsEmptyFinalResult(t *testing.T) {
	garbage := chatResult{content: `{"attributions":[{"id":"x","text":"этого нет в теле","source_message_id":"m1","confidence":0.9}]}`}
	chat := &fakeChat{queue: []chatResult{garbage, garbage, garbage}}
	svc := newTestService(chat, &stubStore{}, &stubLookup{}, &kvCache{})

	got, err := svc.Attribute(context.Background(), testReport, testSources)
	if err != nil {
		t.Fatalf("пустой итог не ошибка: %v", err)
	}
	if len(got.Attributions) != 0 {
		t.Fatalf("ожидали пустой список привязок, получили %v", got.Attributions)
	}
	if chat.calls != 3 {
		t.Fatalf("ожидали 3 попытки, было %d", chat.calls)
	}
}

func TestAttributeDropsUnknownSources(t *testing.T) {
	chat := &fakeChat{queue: []chatResult{{content: `{"attributions":[
		{"id":"a1","text":"Мэр открыл парк","source_message_id":"m1","confidence":0.9},
		{"id":"a2","text":"Движение по центру ограничено","source_message_id":"призрак","confidence":0.9}
	]}`}}}
	svc := newTestService(chat, &stubStore{}, &stubLookup{}, &kvCache{})

	got, err := svc.Attribute(context.Background(), testReport, testSources)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(got.Attributions) != 1 || got.Attributions[0].ID != "a1" {
		t.Fatalf("кандидат с неизвестным источником отбрасывается, получили %v", got.Attributions)
	}
}

func TestAttributeDoesNotRetryValidationErrors(t *testing.T) {
	chat := &fakeChat{queue: []chatResult{
		{content: "это не JSON"},
		{content: `{"attributions":[]}`},
	}}
	svc := newTestService(chat, &stubStore{}, &stubLookup{}, &kvCache{})

	_, err := svc.Attribute(context.Background(), testReport, testSources)
	if !domain.IsValidation(err) {
		t.Fatalf("ожидали ValidationError, получили %v", err)
	}
	if chat.calls != 1 {
		t.Fatalf("ошибка валидации не повторяется, calls=%d", chat.calls)
	}
}

func TestAttributeRetriesTransientErrors(t *testing.T) {
	chat := &fakeChat{queue: []chatResult{
		{err: &domain.TransientError{Op: "openai", Err: errors.New("status 503")}},
		{content: `{"attributions":[{"id":"a1","text":"Мэр открыл парк","source_message_id":"m1","confidence":0.9}]}`},
	}}
	svc := newTestService(chat, &stubStore{}, &stubLookup{}, &kvCache{})

	got, err := svc.Attribute(context.Background(), testReport, testSources)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if chat.calls != 2 || len(got.Attributions) != 1 {
		t.Fatalf("временный сбой повторяется, calls=%d attribs=%d", chat.calls, len(got.Attributions))
	}
}

func TestGetOrAttributeComputesOnce(t *testing.T) {
	store := &stubStore{reports: map[string]domain.Report{testReport.ReportID: testReport}}
	lookup := &stubLookup{messages: testSources}
	chat := &fakeChat{queue: []chatResult{
		{content: `{"attributions":[{"id":"a1","text":"Мэр открыл парк","source_message_id":"m1","confidence":0.9}]}`},
	}}
	svc := newTestService(chat, store, lookup, &kvCache{})

	first, err := svc.GetOrAttribute(context.Background(), testReport.ReportID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(first.Attributions) != 1 {
		t.Fatalf("ожидали одну привязку, получили %d", len(first.Attributions))
	}
	if store.saved != 1 {
		t.Fatal("результат должен быть сохранён в хранилище")
	}

	second, err := svc.GetOrAttribute(context.Background(), testReport.ReportID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if chat.calls != 1 {
		t.Fatalf("повторный вызов не должен обращаться к LLM, calls=%d", chat.calls)
	}
	if second.ReportID != first.ReportID || len(second.Attributions) != 1 {
		t.Fatalf("повторный вызов должен вернуть тот же результат: %v", second)
	}
}

func TestGetOrAttributeUnknownReport(t *testing.T) {
	svc := newTestService(&fakeChat{}, &stubStore{}, &stubLookup{}, &kvCache{})
	_, err := svc.GetOrAttribute(context.Background(), "нет такого")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}
