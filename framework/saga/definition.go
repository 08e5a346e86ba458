package saga

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SagaStatus статус саги
type SagaStatus string

const (
	SagaStatusNotStarted  SagaStatus = "not_started"
	SagaStatusExecuting   SagaStatus = "executing"
	SagaStatusCompleted   SagaStatus = "completed"
	SagaStatusCompensated SagaStatus = "compensated"
	SagaStatusFailed      SagaStatus = "failed"
)

// IsTerminal сообщает, что сага завершилась
func (s SagaStatus) IsTerminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusCompensated || s == SagaStatusFailed
}

// SagaMetadata снимок состояния саги
type SagaMetadata struct {
	ID            string
	Status        SagaStatus
	StepsExecuted int
	TotalSteps    int
	UpdatedAt     time.Time
}

// SagaDefinition упорядоченный набор шагов с идентификатором.
// Определение исполняется один раз.
type SagaDefinition struct {
	id    string
	steps []SagaStep

	consumed atomic.Bool

	mu       sync.RWMutex
	metadata SagaMetadata
}

// NewSagaDefinition создает определение; пустой id заменяется на UUID
func NewSagaDefinition(id string) *SagaDefinition {
	if id == "" {
		id = uuid.NewString()
	}
	return &SagaDefinition{
		id: id,
		metadata: SagaMetadata{
			ID:        id,
			Status:    SagaStatusNotStarted,
			UpdatedAt: time.Now(),
		},
	}
}

// AddStep добавляет шаг в конец
func (d *SagaDefinition) AddStep(step SagaStep) *SagaDefinition {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, step)
	d.metadata.TotalSteps = len(d.steps)
	return d
}

// ID возвращает идентификатор саги
func (d *SagaDefinition) ID() string {
	return d.id
}

// Steps возвращает копию списка шагов
func (d *SagaDefinition) Steps() []SagaStep {
	d.mu.RLock()
	defer d.mu.RUnlock()
	steps := make([]SagaStep, len(d.steps))
	copy(steps, d.steps)
	return steps
}

// Status возвращает текущий статус
func (d *SagaDefinition) Status() SagaStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metadata.Status
}

// Metadata возвращает снимок метаданных
func (d *SagaDefinition) Metadata() SagaMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metadata
}

func (d *SagaDefinition) claim() bool {
	return d.consumed.CompareAndSwap(false, true)
}

func (d *SagaDefinition) setStatus(status SagaStatus) SagaMetadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata.Status = status
	d.metadata.UpdatedAt = time.Now()
	return d.metadata
}

func (d *SagaDefinition) stepExecuted(executed int) SagaMetadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata.StepsExecuted = executed
	d.metadata.UpdatedAt = time.Now()
	return d.metadata
}
