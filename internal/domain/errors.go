package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoMessages возвращается, когда в окне выборки нет сообщений.
// Это не сбой: отчёт за пустое окно просто не создаётся.
var ErrNoMessages = errors.New("нет сообщений в окне выборки")

// ErrNotFound возвращается хранилищами, когда запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// TransientError помечает временный сбой внешнего сервиса, который имеет смысл повторить.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError помечает некорректный ответ модели; повтор запроса не поможет.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "некорректный ответ модели: " + e.Reason }

// ConfigurationError помечает неполную конфигурацию пайплайна.
// Шаг батча при такой ошибке пропускается, процесс не завершается.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "ошибка конфигурации: " + e.Reason }

// transientMarkers — подстроки в тексте ошибок внешних сервисов,
// по которым распознаётся временный сбой.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"connection refused",
	"connection reset",
}

// IsTransient сообщает, стоит ли повторять операцию после ошибки.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsValidation сообщает, является ли ошибка ошибкой валидации ответа.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfiguration сообщает, является ли ошибка конфигурационной.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
