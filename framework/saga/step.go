// Package saga предоставляет оркестратор саг с компенсацией шагов в обратном порядке.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/akriventsev/potter-eventstore/framework/events"
)

// SagaStep интерфейс шага саги
type SagaStep interface {
	// Name возвращает имя шага
	Name() string
	// Execute выполняет основное действие и возвращает порожденные события
	Execute(ctx context.Context) ([]events.Event, error)
	// Compensate откатывает результат успешного Execute
	Compensate(ctx context.Context) ([]events.Event, error)
	// Timeout возвращает таймаут шага; 0 означает таймаут оркестратора
	Timeout() time.Duration
}

// RetryableStep реализуется шагами с политикой повторов
type RetryableStep interface {
	RetryPolicy() *RetryPolicy
}

// RetryPolicy политика повторов для шага
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	Backoff         float64
	RetryableErrors []error
}

// ShouldRetry определяет, нужно ли повторить попытку после attempt неудачных
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if p == nil || attempt >= p.MaxAttempts {
		return false
	}
	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, retryable := range p.RetryableErrors {
		if errors.Is(err, retryable) {
			return true
		}
	}
	return false
}

// CalculateDelay вычисляет задержку перед повтором
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Backoff
	}
	return time.Duration(delay)
}

// NoRetry создает политику без повторов
func NoRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1, Backoff: 1.0}
}

// SimpleRetry создает политику с постоянной задержкой
func SimpleRetry(maxAttempts int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		Backoff:      1.0,
	}
}

// ExponentialBackoff создает политику с экспоненциальной задержкой
func ExponentialBackoff(maxAttempts int, initialDelay time.Duration, backoff float64) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		Backoff:      backoff,
	}
}

// StepFunc действие шага
type StepFunc func(ctx context.Context) ([]events.Event, error)

// BaseStep базовая реализация SagaStep
type BaseStep struct {
	name        string
	execute     StepFunc
	compensate  StepFunc
	timeout     time.Duration
	retryPolicy *RetryPolicy
}

// NewBaseStep создает новый базовый шаг
func NewBaseStep(name string) *BaseStep {
	return &BaseStep{name: name}
}

func (s *BaseStep) Name() string {
	return s.name
}

func (s *BaseStep) Execute(ctx context.Context) ([]events.Event, error) {
	if s.execute == nil {
		return nil, nil
	}
	return s.execute(ctx)
}

// Compensate без заданного действия ничего не делает
func (s *BaseStep) Compensate(ctx context.Context) ([]events.Event, error) {
	if s.compensate == nil {
		return nil, nil
	}
	return s.compensate(ctx)
}

func (s *BaseStep) Timeout() time.Duration {
	return s.timeout
}

func (s *BaseStep) RetryPolicy() *RetryPolicy {
	return s.retryPolicy
}

// WithExecute устанавливает основное действие
func (s *BaseStep) WithExecute(fn StepFunc) *BaseStep {
	s.execute = fn
	return s
}

// WithCompensate устанавливает компенсирующее действие
func (s *BaseStep) WithCompensate(fn StepFunc) *BaseStep {
	s.compensate = fn
	return s
}

// WithTimeout устанавливает таймаут шага
func (s *BaseStep) WithTimeout(timeout time.Duration) *BaseStep {
	s.timeout = timeout
	return s
}

// WithRetry устанавливает политику повторов
func (s *BaseStep) WithRetry(policy *RetryPolicy) *BaseStep {
	s.retryPolicy = policy
	return s
}

var (
	_ SagaStep      = (*BaseStep)(nil)
	_ RetryableStep = (*BaseStep)(nil)
)
