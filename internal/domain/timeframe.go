package domain

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe задаёт именованный интервал отчётности: фиксированная длительность
// в целых часах ("2h", "6h") либо динамическое окно по всплеску активности.
type Timeframe string

const (
	// Timeframe2h — двухчасовой интервал.
	Timeframe2h Timeframe = "2h"
	// Timeframe6h — шестичасовой интервал.
	Timeframe6h Timeframe = "6h"
	// TimeframeDynamic — окно, размер которого определяется всплеском активности канала.
	TimeframeDynamic Timeframe = "dynamic"
	// TimeframeAll — специальное значение ручного запуска: все настроенные таймфреймы.
	TimeframeAll Timeframe = "ALL"
)

// dynamicNominal — номинальная длительность динамического таймфрейма,
// используется только для сравнения свежести.
const dynamicNominal = time.Hour

// IsDynamic сообщает, является ли таймфрейм динамическим.
func (t Timeframe) IsDynamic() bool { return t == TimeframeDynamic }

// Duration возвращает номинальную длительность таймфрейма.
func (t Timeframe) Duration() time.Duration {
	if t.IsDynamic() {
		return dynamicNominal
	}
	d, err := time.ParseDuration(string(t))
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// ActiveAt сообщает, активен ли таймфрейм в указанный час (0..23).
// Фиксированный таймфрейм длительностью D часов активен, когда час кратен D.
// Динамический таймфрейм активен на каждом тике.
func (t Timeframe) ActiveAt(hour int) bool {
	if t.IsDynamic() {
		return true
	}
	hours := int(t.Duration() / time.Hour)
	if hours <= 0 {
		return false
	}
	return hour%hours == 0
}

// Valid проверяет, что значение таймфрейма допустимо.
func (t Timeframe) Valid() bool {
	return t.IsDynamic() || t.Duration() > 0
}

// ParseTimeframes разбирает список таймфреймов из конфигурации.
func ParseTimeframes(raw []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(raw))
	for _, item := range raw {
		tf := Timeframe(strings.TrimSpace(item))
		if tf == "" {
			continue
		}
		if !tf.Valid() {
			return nil, fmt.Errorf("неизвестный таймфрейм %q", item)
		}
		out = append(out, tf)
	}
	return out, nil
}
