// Package events описывает доменное событие до записи в event store.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Ключи метаданных, которые понимает event store
const (
	MetaCorrelationID = "correlation_id"
	MetaCausationID   = "causation_id"
)

// Event доменное событие. Payload сериализуется из экспортируемых полей
// конкретного типа, поэтому BaseEvent встраивается в него указателем.
type Event interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time
	// AggregateID идентификатор потока, в который пишется событие
	AggregateID() string
	Metadata() EventMetadata
}

// Versioned реализуется событиями, у которых есть версия схемы.
// События без этого интерфейса считаются версией 1.
type Versioned interface {
	SchemaVersion() int
}

// SchemaVersionOf возвращает версию схемы события
func SchemaVersionOf(e Event) int {
	if v, ok := e.(Versioned); ok && v.SchemaVersion() > 0 {
		return v.SchemaVersion()
	}
	return 1
}

// EventMetadata метаданные события; копируются в StoredEvent.Metadata при записи
type EventMetadata map[string]interface{}

func (m EventMetadata) Get(key string) (interface{}, bool) {
	val, ok := m[key]
	return val, ok
}

// Set устанавливает значение метаданных. Запись в nil map игнорируется.
func (m EventMetadata) Set(key string, value interface{}) {
	if m == nil {
		return
	}
	m[key] = value
}

func (m EventMetadata) CorrelationID() string {
	return m.getString(MetaCorrelationID)
}

func (m EventMetadata) CausationID() string {
	return m.getString(MetaCausationID)
}

func (m EventMetadata) getString(key string) string {
	val, ok := m.Get(key)
	if !ok {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// BaseEvent базовая реализация события.
// Встраивается в конкретные события; поля payload объявляются в них.
type BaseEvent struct {
	eventID       string
	eventType     string
	occurredAt    time.Time
	aggregateID   string
	schemaVersion int
	metadata      EventMetadata
}

// NewBaseEvent создает новое базовое событие
func NewBaseEvent(eventType, aggregateID string) *BaseEvent {
	return &BaseEvent{
		eventID:       uuid.NewString(),
		eventType:     eventType,
		occurredAt:    time.Now().UTC(),
		aggregateID:   aggregateID,
		schemaVersion: 1,
		metadata:      make(EventMetadata),
	}
}

// WithMetadata добавляет метаданные к событию
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata.Set(key, value)
	return e
}

// WithCorrelationID устанавливает correlation ID
func (e *BaseEvent) WithCorrelationID(id string) *BaseEvent {
	e.metadata.Set(MetaCorrelationID, id)
	return e
}

// WithCausationID устанавливает causation ID
func (e *BaseEvent) WithCausationID(id string) *BaseEvent {
	e.metadata.Set(MetaCausationID, id)
	return e
}

// WithSchemaVersion устанавливает версию схемы payload
func (e *BaseEvent) WithSchemaVersion(version int) *BaseEvent {
	e.schemaVersion = version
	return e
}

func (e *BaseEvent) EventID() string {
	return e.eventID
}

func (e *BaseEvent) EventType() string {
	return e.eventType
}

func (e *BaseEvent) OccurredAt() time.Time {
	return e.occurredAt
}

func (e *BaseEvent) AggregateID() string {
	return e.aggregateID
}

func (e *BaseEvent) SchemaVersion() int {
	return e.schemaVersion
}

func (e *BaseEvent) Metadata() EventMetadata {
	return e.metadata
}
