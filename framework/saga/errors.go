package saga

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyExecuting возникает при повторном запуске саги с тем же id
	ErrAlreadyExecuting = errors.New("saga is already executing")
	// ErrSagaConsumed возникает при повторном исполнении того же определения
	ErrSagaConsumed = errors.New("saga definition has already been executed")
	// ErrNilDefinition возникает при вызове Execute без определения
	ErrNilDefinition = errors.New("saga definition is nil")
)

// StepFailedError шаг вернул ошибку; все предыдущие шаги скомпенсированы
type StepFailedError struct {
	StepIndex int
	StepName  string
	Err       error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.StepIndex, e.StepName, e.Err)
}

func (e *StepFailedError) Unwrap() error {
	return e.Err
}

// TimeoutError шаг не уложился в таймаут; все предыдущие шаги скомпенсированы
type TimeoutError struct {
	StepIndex int
	StepName  string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %d (%s) timed out after %s", e.StepIndex, e.StepName, e.Duration)
}

// CompensationFailedError компенсация шага не удалась, сага требует ручного вмешательства.
// Err содержит ошибку компенсации как есть, Cause исходную ошибку шага.
type CompensationFailedError struct {
	StepIndex int
	StepName  string
	Err       error
	Cause     error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("compensation of step %d (%s) failed: %v", e.StepIndex, e.StepName, e.Err)
}

func (e *CompensationFailedError) Unwrap() error {
	return e.Err
}

// IsCompensated сообщает, что сага откатилась полностью
func IsCompensated(err error) bool {
	if err == nil {
		return false
	}
	var compErr *CompensationFailedError
	if errors.As(err, &compErr) {
		return false
	}
	var stepErr *StepFailedError
	var timeoutErr *TimeoutError
	return errors.As(err, &stepErr) || errors.As(err, &timeoutErr)
}

// IsCompensationFailure сообщает, что откат саги сломался
func IsCompensationFailure(err error) bool {
	var compErr *CompensationFailedError
	return errors.As(err, &compErr)
}
