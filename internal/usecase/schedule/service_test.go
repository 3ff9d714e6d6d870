package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"news-reporter/internal/domain"
)

type stubSource struct {
	messages []domain.Message
}

func (s *stubSource) FetchMessages(context.Context, string, time.Time, time.Time) ([]domain.Message, error) {
	return s.messages, nil
}

var configured = []domain.Timeframe{domain.Timeframe2h, domain.Timeframe6h, domain.TimeframeDynamic}

func newTestService(source domain.MessageSource) *Service {
	return NewService(source, Config{
		GapThreshold:     15 * time.Minute,
		DynamicMinWindow: 30 * time.Minute,
		DynamicMaxWindow: time.Hour,
		DynamicLookback:  6 * time.Hour,
	}, zerolog.Nop())
}

func TestActiveTimeframes(t *testing.T) {
	svc := newTestService(&stubSource{})

	cases := []struct {
		hour int
		want []domain.Timeframe
	}{
		{0, []domain.Timeframe{domain.Timeframe2h, domain.Timeframe6h, domain.TimeframeDynamic}},
		{4, []domain.Timeframe{domain.Timeframe2h, domain.TimeframeDynamic}},
		{3, []domain.Timeframe{domain.TimeframeDynamic}},
		{12, []domain.Timeframe{domain.Timeframe2h, domain.Timeframe6h, domain.TimeframeDynamic}},
	}
	for _, tc := range cases {
		got := svc.ActiveTimeframes(tc.hour, configured)
		if len(got) != len(tc.want) {
			t.Fatalf("час %d: ожидали %v, получили %v", tc.hour, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("час %d: ожидали %v, получили %v", tc.hour, tc.want, got)
			}
		}
	}
}

func TestManualTriggerAll(t *testing.T) {
	svc := newTestService(&stubSource{})
	got, err := svc.ManualTrigger([]domain.Timeframe{domain.TimeframeAll}, configured)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(got) != len(configured) {
		t.Fatalf("ALL должен резолвиться во все таймфреймы, получили %v", got)
	}
}

func TestManualTriggerEmptyFallsBackToConfigured(t *testing.T) {
	svc := newTestService(&stubSource{})
	got, err := svc.ManualTrigger(nil, configured)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(got) != len(configured) {
		t.Fatalf("пустой запрос резолвится в настроенные таймфреймы, получили %v", got)
	}
	for i := range got {
		if got[i] != configured[i] {
			t.Fatalf("ожидали %v, получили %v", configured, got)
		}
	}
}

func TestManualTriggerEmptyWithoutDefaultsIsConfigurationError(t *testing.T) {
	svc := newTestService(&stubSource{})
	_, err := svc.ManualTrigger(nil, nil)
	if !domain.IsConfiguration(err) {
		t.Fatalf("ожидали ConfigurationError, получили %v", err)
	}
}

func TestManualTriggerUnknownTimeframe(t *testing.T) {
	svc := newTestService(&stubSource{})
	_, err := svc.ManualTrigger([]domain.Timeframe{"weekly"}, configured)
	if !domain.IsConfiguration(err) {
		t.Fatalf("ожидали ConfigurationError, получили %v", err)
	}
}

func TestFetchWindowFixed(t *testing.T) {
	svc := newTestService(&stubSource{})
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	from, to, err := svc.FetchWindow(context.Background(), "ch", domain.Timeframe2h, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !to.Equal(now) || !from.Equal(now.Add(-2*time.Hour)) {
		t.Fatalf("ожидали окно [now-2h, now], получили [%v, %v]", from, to)
	}
}

func TestFetchWindowDynamicClampedToMin(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	source := &stubSource{messages: []domain.Message{
		{ID: "1", Timestamp: now.Add(-10 * time.Minute)},
		{ID: "2", Timestamp: now.Add(-5 * time.Minute)},
	}}
	svc := newTestService(source)
	from, _, err := svc.FetchWindow(context.Background(), "ch", domain.TimeframeDynamic, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// всплеск длиной 10 минут меньше минимума, окно расширяется до 30 минут
	if !from.Equal(now.Add(-30 * time.Minute)) {
		t.Fatalf("ожидали окно 30 минут, получили from=%v", from)
	}
}

func TestFetchWindowDynamicClampedToMax(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	var messages []domain.Message
	for i := 0; i < 30; i++ {
		messages = append(messages, domain.Message{Timestamp: now.Add(-time.Duration(i) * 10 * time.Minute)})
	}
	svc := newTestService(&stubSource{messages: messages})
	from, _, err := svc.FetchWindow(context.Background(), "ch", domain.TimeframeDynamic, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// всплеск тянется почти на 5 часов, но окно ограничено максимумом в час
	if !from.Equal(now.Add(-time.Hour)) {
		t.Fatalf("ожидали окно в час, получили from=%v", from)
	}
}

func TestFetchWindowDynamicNoMessages(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	svc := newTestService(&stubSource{})
	from, _, err := svc.FetchWindow(context.Background(), "ch", domain.TimeframeDynamic, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !from.Equal(now.Add(-30 * time.Minute)) {
		t.Fatalf("без сообщений ожидали минимальное окно, получили from=%v", from)
	}
}
