package attribution

import "testing"

func TestLocateExactSubstring(t *testing.T) {
	body := "Мэр открыл парк. Движение по центру ограничено."
	start, end, ok := locate(body, "Движение по центру ограничено")
	if !ok {
		t.Fatal("точная подстрока должна находиться")
	}
	if body[start:end] != "Движение по центру ограничено" {
		t.Fatalf("границы указывают на %q", body[start:end])
	}
}

func TestLocateNormalizedWhitespace(t *testing.T) {
	body := "Первая  строка\nвторая строка."
	start, end, ok := locate(body, "Первая строка вторая строка")
	if !ok {
		t.Fatal("поиск с нормализацией пробелов должен находить фрагмент")
	}
	// границы возвращаются в байтах исходного тела, а не нормализованного
	if body[start:end] != "Первая  строка\nвторая строка" {
		t.Fatalf("границы указывают на %q", body[start:end])
	}
}

func TestLocateFuzzySentence(t *testing.T) {
	body := "Интро. Мэр открыл новый парк в центре города."
	// перестановка слов: ни точный, ни нормализованный поиск не сработают
	start, end, ok := locate(body, "Мэр открыл в центре города новый парк")
	if !ok {
		t.Fatal("нечёткий поиск должен принять похожее предложение")
	}
	if body[start:end] != "Мэр открыл новый парк в центре города." {
		t.Fatalf("ожидали границы предложения, получили %q", body[start:end])
	}
}

func TestLocateRejectsUnrelatedText(t *testing.T) {
	body := "Мэр открыл новый парк в центре города."
	if _, _, ok := locate(body, "совершенно посторонний фрагмент"); ok {
		t.Fatal("посторонний текст не должен находиться")
	}
}

func TestLocateEmptyInputs(t *testing.T) {
	if _, _, ok := locate("", "текст"); ok {
		t.Fatal("пустое тело не содержит фрагментов")
	}
	if _, _, ok := locate("тело", "   "); ok {
		t.Fatal("пустой кандидат не должен находиться")
	}
}

func TestNormalizeWhitespaceOffsets(t *testing.T) {
	norm, offsets := normalizeWhitespace("  a\t\nb  ")
	if norm != "a b" {
		t.Fatalf("ожидали %q, получили %q", "a b", norm)
	}
	if len(offsets) != len(norm) {
		t.Fatalf("смещения должны покрывать каждый байт, len=%d", len(offsets))
	}
	if offsets[0] != 2 || offsets[len(offsets)-1] != 5 {
		t.Fatalf("неверные смещения: %v", offsets)
	}
}

func TestSplitSentencesKeepsTail(t *testing.T) {
	spans := splitSentences("Первое. Второе! Хвост без точки")
	if len(spans) != 3 {
		t.Fatalf("ожидали 3 предложения, получили %d", len(spans))
	}
}
