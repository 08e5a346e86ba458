package core

import "log/slog"

// Logger минимальный интерфейс структурного логгера.
// *slog.Logger удовлетворяет ему без адаптеров.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger отбрасывает все сообщения
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// LoggerOrNop возвращает NopLogger для nil
func LoggerOrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}

var _ Logger = (*slog.Logger)(nil)
