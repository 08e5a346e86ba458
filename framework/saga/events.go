package saga

import (
	"time"

	"github.com/akriventsev/potter-eventstore/framework/events"
)

// Типы событий жизненного цикла саги
const (
	EventSagaStarted     = "SagaStarted"
	EventSagaCompleted   = "SagaCompleted"
	EventSagaCompensated = "SagaCompensated"
	EventSagaFailed      = "SagaFailed"
)

// StreamID поток событий жизненного цикла саги
func StreamID(sagaID string) string {
	return "saga-" + sagaID
}

// SagaStartedEvent событие начала выполнения саги
type SagaStartedEvent struct {
	*events.BaseEvent
	SagaID     string `json:"saga_id"`
	TotalSteps int    `json:"total_steps"`
}

// SagaFinishedEvent событие завершения саги (Completed, Compensated или Failed)
type SagaFinishedEvent struct {
	*events.BaseEvent
	SagaID        string        `json:"saga_id"`
	Status        SagaStatus    `json:"status"`
	StepsExecuted int           `json:"steps_executed"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

func newStartedEvent(meta SagaMetadata) *SagaStartedEvent {
	return &SagaStartedEvent{
		BaseEvent:  events.NewBaseEvent(EventSagaStarted, StreamID(meta.ID)).WithCorrelationID(meta.ID),
		SagaID:     meta.ID,
		TotalSteps: meta.TotalSteps,
	}
}

func newFinishedEvent(meta SagaMetadata, duration time.Duration, err error) *SagaFinishedEvent {
	eventType := EventSagaCompleted
	switch meta.Status {
	case SagaStatusCompensated:
		eventType = EventSagaCompensated
	case SagaStatusFailed:
		eventType = EventSagaFailed
	}
	finished := &SagaFinishedEvent{
		BaseEvent:     events.NewBaseEvent(eventType, StreamID(meta.ID)).WithCorrelationID(meta.ID),
		SagaID:        meta.ID,
		Status:        meta.Status,
		StepsExecuted: meta.StepsExecuted,
		Duration:      duration,
	}
	if err != nil {
		finished.Error = err.Error()
	}
	return finished
}
