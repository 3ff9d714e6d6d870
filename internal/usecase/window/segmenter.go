package window

import (
	"sort"
	"time"

	"news-reporter/internal/domain"
)

// DefaultGapThreshold — разрыв по умолчанию между соседними элементами всплеска.
const DefaultGapThreshold = 15 * time.Minute

// Segment возвращает длину максимального префикса items, внутри которого разрыв
// между соседними элементами не превышает gapThreshold. Элементы передаются
// от самых свежих к старым; префикс — это текущий всплеск активности,
// заканчивающийся самым свежим элементом. Одинаковые метки времени разрывом
// не считаются. Чистая функция, один проход.
func Segment[T any](items []T, timestamp func(T) time.Time, gapThreshold time.Duration) int {
	if gapThreshold <= 0 {
		gapThreshold = DefaultGapThreshold
	}
	for i := 1; i < len(items); i++ {
		gap := timestamp(items[i-1]).Sub(timestamp(items[i]))
		if gap < 0 {
			gap = -gap
		}
		if gap > gapThreshold {
			return i
		}
	}
	return len(items)
}

// SegmentMessages возвращает текущий всплеск активности: сообщения сортируются
// от свежих к старым и обрезаются на первом разрыве.
func SegmentMessages(messages []domain.Message, gapThreshold time.Duration) []domain.Message {
	ordered := make([]domain.Message, len(messages))
	copy(ordered, messages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.After(ordered[j].Timestamp)
	})
	n := Segment(ordered, func(m domain.Message) time.Time { return m.Timestamp }, gapThreshold)
	return ordered[:n]
}

// LatestBatch возвращает последнюю пачку отчётов: отчёты сортируются по времени
// генерации от свежих к старым и обрезаются на первом разрыве.
func LatestBatch(reports []domain.Report, gapThreshold time.Duration) []domain.Report {
	ordered := make([]domain.Report, len(reports))
	copy(ordered, reports)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].GeneratedAt.After(ordered[j].GeneratedAt)
	})
	n := Segment(ordered, func(r domain.Report) time.Time { return r.GeneratedAt }, gapThreshold)
	return ordered[:n]
}
