package retry

import (
	"context"
	"time"
)

// Policy описывает параметры повторных попыток с экспоненциальной задержкой.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	IsRetryable func(error) bool
}

// Attempts возвращает количество попыток, минимум одну.
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay возвращает задержку после неудачной попытки attempt (нумерация с нуля):
// BaseDelay × 2^attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	return p.BaseDelay * (1 << attempt)
}

// Retryable сообщает, подлежит ли ошибка повтору согласно политике.
func (p Policy) Retryable(err error) bool {
	if p.IsRetryable == nil {
		return true
	}
	return p.IsRetryable(err)
}

// Sleep ждёт задержку после попытки attempt либо отмену контекста.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	delay := p.Delay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do выполняет fn, повторяя повторяемые ошибки согласно политике.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := policy.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !policy.Retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}
		if err := policy.Sleep(ctx, attempt); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}
