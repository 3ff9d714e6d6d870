package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"news-reporter/internal/domain"
	"news-reporter/internal/infra/metrics"
	openai "news-reporter/internal/infra/openai"
	"news-reporter/internal/infra/retry"
)

// Version — версия схемы привязок.
const Version = 1

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type messageLookup interface {
	MessagesByIDs(ctx context.Context, ids []string) ([]domain.Message, error)
}

// Service сопоставляет предложения отчёта с исходными сообщениями.
type Service struct {
	llm      chatClient
	model    string
	policy   retry.Policy
	store    domain.ReportStore
	messages messageLookup
	cache    domain.EphemeralCache
	log      zerolog.Logger
	now      func() time.Time
}

// NewService создаёт сервис привязки источников.
func NewService(llm chatClient, model string, policy retry.Policy, store domain.ReportStore,
	messages messageLookup, cache domain.EphemeralCache, logger zerolog.Logger) *Service {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if policy.IsRetryable == nil {
		policy.IsRetryable = domain.IsTransient
	}
	return &Service{
		llm:      llm,
		model:    model,
		policy:   policy,
		store:    store,
		messages: messages,
		cache:    cache,
		log:      logger,
		now:      time.Now,
	}
}

// Attribute строит привязки для отчёта. Кандидаты, которых не удалось найти
// в теле ни одной из стратегий, отбрасываются; пустой результат допустим.
// Непоследняя попытка, давшая ноль привязок, повторяется: предполагается,
// что модель вернула текст, которого нет в теле отчёта. Результат последней
// попытки принимается даже пустым.
func (s *Service) Attribute(ctx context.Context, report domain.Report, sourceMessages []domain.Message) (domain.SourceAttribution, error) {
	attempts := s.policy.Attempts()
	var matched []domain.Attribution
	for attempt := 0; attempt < attempts; attempt++ {
		candidates, err := s.requestCandidates(ctx, report, sourceMessages)
		if err != nil {
			if attempt < attempts-1 && s.policy.Retryable(err) {
				s.log.Warn().Err(err).Int("attempt", attempt).Str("report", report.ReportID).Msg("attribution: временный сбой, повтор")
				if err := s.policy.Sleep(ctx, attempt); err != nil {
					return domain.SourceAttribution{}, err
				}
				continue
			}
			return domain.SourceAttribution{}, fmt.Errorf("привязка источников %s: %w", report.ReportID, err)
		}
		matched = s.matchCandidates(report.Body, sourceMessages, candidates)
		if len(matched) == 0 && attempt < attempts-1 {
			s.log.Debug().Int("attempt", attempt).Str("report", report.ReportID).Msg("attribution: ни один кандидат не найден в теле, повтор")
			if err := s.policy.Sleep(ctx, attempt); err != nil {
				return domain.SourceAttribution{}, err
			}
			continue
		}
		break
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].StartIndex < matched[j].StartIndex })
	return domain.SourceAttribution{
		ReportID:     report.ReportID,
		Attributions: matched,
		GeneratedAt:  s.now().UTC(),
		Version:      Version,
	}, nil
}

// GetOrAttribute возвращает привязки отчёта, вычисляя их не более одного раза:
// отчёты неизменяемы, поэтому готовый результат кэшируется бессрочно.
func (s *Service) GetOrAttribute(ctx context.Context, reportID string) (domain.SourceAttribution, error) {
	cacheKey := "attribution:" + reportID
	if raw, err := s.cache.Get(ctx, cacheKey); err == nil {
		var attribution domain.SourceAttribution
		if err := json.Unmarshal(raw, &attribution); err == nil {
			return attribution, nil
		}
	}
	if attribution, err := s.store.AttributionByReport(ctx, reportID); err == nil {
		s.cacheAttribution(ctx, cacheKey, attribution)
		return attribution, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.SourceAttribution{}, err
	}

	report, err := s.store.ReportByID(ctx, reportID)
	if err != nil {
		return domain.SourceAttribution{}, fmt.Errorf("отчёт %s: %w", reportID, err)
	}
	sourceMessages, err := s.messages.MessagesByIDs(ctx, report.MessageIDs)
	if err != nil {
		return domain.SourceAttribution{}, fmt.Errorf("сообщения отчёта %s: %w", reportID, err)
	}
	attribution, err := s.Attribute(ctx, report, sourceMessages)
	if err != nil {
		return domain.SourceAttribution{}, err
	}
	if err := s.store.SaveAttribution(ctx, attribution); err != nil {
		return domain.SourceAttribution{}, err
	}
	s.cacheAttribution(ctx, cacheKey, attribution)
	return attribution, nil
}

func (s *Service) cacheAttribution(ctx context.Context, key string, attribution domain.SourceAttribution) {
	raw, err := json.Marshal(attribution)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, 0); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("attribution: не удалось закэшировать результат")
	}
}

type candidatePayload struct {
	ID              string  `json:"id"`
	Text            string  `json:"text"`
	SourceMessageID string  `json:"source_message_id"`
	Confidence      float64 `json:"confidence"`
}

type candidatesResponse struct {
	Attributions []candidatePayload `json:"attributions"`
}

func (s *Service) requestCandidates(ctx context.Context, report domain.Report, sourceMessages []domain.Message) ([]candidatePayload, error) {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0,
		MaxTokens:   2000,
		Messages: []openai.ChatMessage{
			{
				Role:    openai.RoleSystem,
				Content: "You map sentences of a news report back to the source messages they are based on. Quote report text verbatim.",
			},
			{
				Role:    openai.RoleUser,
				Content: buildAttributionPrompt(report, sourceMessages),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := s.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &domain.ValidationError{Reason: "пустой список choices"}
	}
	var parsed candidatesResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Choices[0].Message.Content)), &parsed); err != nil {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("не удалось разобрать JSON: %v", err)}
	}
	return parsed.Attributions, nil
}

func buildAttributionPrompt(report domain.Report, sourceMessages []domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Below is a news report and the source messages it was generated from.
For each claim in the report, quote the exact report fragment and name the source message it comes from.
Return JSON of the form {"attributions": [{"id": "...", "text": "...", "source_message_id": "...", "confidence": 0.0}]}.
The "text" must be copied from the report verbatim; "confidence" is between 0 and 1.

Report:
%s

Source messages:
`, report.Body)
	for _, msg := range sourceMessages {
		fmt.Fprintf(&b, "[%s] %s %s: %s\n", msg.ID, msg.Timestamp.UTC().Format(time.RFC3339), msg.Author, msg.Content)
	}
	return b.String()
}

// matchCandidates находит каждого кандидата в теле отчёта. Интервалы разных
// кандидатов могут пересекаться — пересечения сознательно не устраняются.
func (s *Service) matchCandidates(body string, sourceMessages []domain.Message, candidates []candidatePayload) []domain.Attribution {
	known := make(map[string]bool, len(sourceMessages))
	for _, msg := range sourceMessages {
		known[msg.ID] = true
	}

	var out []domain.Attribution
	for _, cand := range candidates {
		if cand.SourceMessageID == "" || !known[cand.SourceMessageID] {
			metrics.IncAttributionCandidate("unknown_source")
			s.log.Debug().Str("source", cand.SourceMessageID).Msg("attribution: кандидат ссылается на неизвестное сообщение")
			continue
		}
		start, end, ok := locate(body, cand.Text)
		if !ok {
			metrics.IncAttributionCandidate("dropped")
			s.log.Debug().Str("text", clip(cand.Text, 80)).Msg("attribution: фрагмент не найден в теле отчёта")
			continue
		}
		metrics.IncAttributionCandidate("matched")
		id := cand.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, domain.Attribution{
			ID:              id,
			StartIndex:      start,
			EndIndex:        end,
			Text:            body[start:end],
			SourceMessageID: cand.SourceMessageID,
			Confidence:      clampConfidence(cand.Confidence),
		})
	}
	return out
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
