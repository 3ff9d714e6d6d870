package attribution

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const fuzzyThreshold = 0.8

// locate находит фрагмент text в body и возвращает его границы в байтах.
// Стратегии пробуются по порядку, принимается первая успешная:
// точный поиск подстроки, поиск с нормализацией пробелов и обратным
// отображением смещений, нечёткое сравнение по предложениям.
func locate(body, text string) (int, int, bool) {
	text = strings.TrimSpace(text)
	if text == "" || body == "" {
		return 0, 0, false
	}
	if idx := strings.Index(body, text); idx >= 0 {
		return idx, idx + len(text), true
	}
	if start, end, ok := locateNormalized(body, text); ok {
		return start, end, true
	}
	return locateFuzzy(body, text)
}

// normalizeWhitespace схлопывает пробельные последовательности в один пробел
// и возвращает для каждого байта нормализованной строки смещение в исходной.
func normalizeWhitespace(s string) (string, []int) {
	var norm []byte
	var offsets []int
	wsStart := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if wsStart < 0 {
				wsStart = i
			}
			continue
		}
		if wsStart >= 0 && len(norm) > 0 {
			norm = append(norm, ' ')
			offsets = append(offsets, wsStart)
		}
		wsStart = -1
		var buf [utf8.UTFMax]byte
		n := utf8.EncodeRune(buf[:], r)
		for k := 0; k < n; k++ {
			norm = append(norm, buf[k])
			offsets = append(offsets, i+k)
		}
	}
	return string(norm), offsets
}

func locateNormalized(body, text string) (int, int, bool) {
	normBody, offsets := normalizeWhitespace(body)
	normText, _ := normalizeWhitespace(text)
	if normText == "" {
		return 0, 0, false
	}
	idx := strings.Index(normBody, normText)
	if idx < 0 {
		return 0, 0, false
	}
	start := offsets[idx]
	end := offsets[idx+len(normText)-1] + 1
	return start, end, true
}

type sentenceSpan struct {
	start, end int
}

// splitSentences делит тело на предложения по терминальной пунктуации.
func splitSentences(body string) []sentenceSpan {
	var spans []sentenceSpan
	start := 0
	for i, r := range body {
		if r == '.' || r == '!' || r == '?' {
			end := i + utf8.RuneLen(r)
			if strings.TrimSpace(body[start:end]) != "" {
				spans = append(spans, sentenceSpan{start: start, end: end})
			}
			start = end
		}
	}
	if start < len(body) && strings.TrimSpace(body[start:]) != "" {
		spans = append(spans, sentenceSpan{start: start, end: len(body)})
	}
	return spans
}

func trimSpan(body string, sp sentenceSpan) sentenceSpan {
	for sp.start < sp.end {
		r, n := utf8.DecodeRuneInString(body[sp.start:sp.end])
		if !unicode.IsSpace(r) {
			break
		}
		sp.start += n
	}
	for sp.end > sp.start {
		r, n := utf8.DecodeLastRuneInString(body[sp.start:sp.end])
		if !unicode.IsSpace(r) {
			break
		}
		sp.end -= n
	}
	return sp
}

// normalizeFuzzy приводит строку к нижнему регистру, выбрасывает не-словесные
// символы и схлопывает пробелы.
func normalizeFuzzy(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// similarity — доля символов более короткой нормализованной строки,
// встречающихся где-либо в более длинной, делённая на длину длинной.
// Простое перекрытие символов, не редакционное расстояние.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	shorter, longer := ra, rb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(longer) == 0 {
		return 0
	}
	present := make(map[rune]bool, len(longer))
	for _, r := range longer {
		present[r] = true
	}
	matched := 0
	for _, r := range shorter {
		if present[r] {
			matched++
		}
	}
	return float64(matched) / float64(len(longer))
}

// locateFuzzy принимает первое предложение тела, похожее на кандидата
// сильнее порога, и возвращает границы этого предложения.
func locateFuzzy(body, text string) (int, int, bool) {
	normText := normalizeFuzzy(text)
	if normText == "" {
		return 0, 0, false
	}
	for _, sp := range splitSentences(body) {
		sp = trimSpan(body, sp)
		if sp.start >= sp.end {
			continue
		}
		if similarity(normalizeFuzzy(body[sp.start:sp.end]), normText) > fuzzyThreshold {
			return sp.start, sp.end, true
		}
	}
	return 0, 0, false
}
