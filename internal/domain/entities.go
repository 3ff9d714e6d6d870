package domain

import "time"

// Message представляет сообщение источника. Создаётся подсистемой инжеста и неизменяемо.
type Message struct {
	ID                string
	ChannelID         string
	Timestamp         time.Time
	Content           string
	Author            string
	Embeds            []string
	ReferencedContent string
}

// Channel описывает канал-источник сообщений.
type Channel struct {
	ID       string
	Name     string
	IsActive bool
}

// GenerationTrigger описывает причину генерации отчёта.
type GenerationTrigger string

const (
	// TriggerScheduled — отчёт сгенерирован по расписанию.
	TriggerScheduled GenerationTrigger = "scheduled"
	// TriggerDynamic — отчёт сгенерирован по динамическому окну активности.
	TriggerDynamic GenerationTrigger = "dynamic"
	// TriggerManual — отчёт запрошен вручную.
	TriggerManual GenerationTrigger = "manual"
)

// CacheStatus показывает, был ли отчёт взят из кэша или сгенерирован заново.
type CacheStatus string

const (
	// CacheHit — отчёт взят из кэша.
	CacheHit CacheStatus = "hit"
	// CacheMiss — отчёт сгенерирован заново.
	CacheMiss CacheStatus = "miss"
)

// Report — сгенерированный отчёт по каналу за таймфрейм.
// Неизменяем после создания: устаревший отчёт вытесняется новым отчётом с тем же
// (ChannelID, Timeframe), а не изменяется на месте.
type Report struct {
	ReportID     string
	ChannelID    string
	ChannelName  string
	Headline     string
	Body         string
	City         string
	GeneratedAt  time.Time
	MessageCount int
	MessageIDs   []string
	Timeframe    Timeframe
	Trigger      GenerationTrigger
	CacheStatus  CacheStatus
}

// Attribution привязывает фрагмент текста отчёта к исходному сообщению.
// Text — дословная подстрока тела отчёта на [StartIndex, EndIndex).
type Attribution struct {
	ID              string
	StartIndex      int
	EndIndex        int
	Text            string
	SourceMessageID string
	Confidence      float64
}

// SourceAttribution — набор привязок для одного отчёта. Привязки отсортированы
// по StartIndex по возрастанию; пустой список допустим. Пересечения интервалов
// возможны, так как каждая привязка вычисляется независимо, и не устраняются.
type SourceAttribution struct {
	ReportID     string
	Attributions []Attribution
	GeneratedAt  time.Time
	Version      int
}
