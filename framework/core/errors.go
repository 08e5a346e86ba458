// Package core предоставляет систему ошибок, общие интерфейсы компонентов и логгер.
package core

import (
	"errors"
	"fmt"
)

// Коды ошибок, пересекающих границы пакетов
const (
	ErrNotFound        = "NOT_FOUND"
	ErrAlreadyExists   = "ALREADY_EXISTS"
	ErrConflict        = "CONFLICT"
	ErrInvalidArgument = "INVALID_ARGUMENT"
	ErrUnavailable     = "UNAVAILABLE"
	ErrInvalidConfig   = "INVALID_CONFIG"
)

// Coded ошибка, сообщающая свой код. Типизированные ошибки пакетов реализуют его,
// чтобы вызывающий код мог классифицировать их без знания конкретного типа.
type Coded interface {
	error
	ErrorCode() string
}

// FrameworkError ошибка с кодом, сообщением и необязательной причиной
type FrameworkError struct {
	Code    string
	Message string
	Cause   error
}

func (e *FrameworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FrameworkError) Unwrap() error {
	return e.Cause
}

// ErrorCode реализует Coded
func (e *FrameworkError) ErrorCode() string {
	return e.Code
}

// Is сравнивает ошибки по коду
func (e *FrameworkError) Is(target error) bool {
	if t, ok := target.(*FrameworkError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError создает ошибку с кодом
func NewError(code, message string) *FrameworkError {
	return &FrameworkError{Code: code, Message: message}
}

// Wrap оборачивает err кодом и сообщением.
// Для nil возвращает nil типа *FrameworkError: проверяйте err до вызова.
func Wrap(err error, code, message string) *FrameworkError {
	if err == nil {
		return nil
	}
	return &FrameworkError{Code: code, Message: message, Cause: err}
}

// CodeOf возвращает код первой Coded ошибки в цепочке или ""
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// HasCode проверяет код первой Coded ошибки в цепочке
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
