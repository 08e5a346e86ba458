package eventsourcing

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/akriventsev/potter-eventstore/framework/events"
)

// codec совместим с encoding/json по тегам и поведению
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// NewStoredEvent кодирует доменное событие в конверт для записи.
// Version и Position присваиваются backend'ом при записи.
func NewStoredEvent(event events.Event) (StoredEvent, error) {
	if event == nil {
		return StoredEvent{}, fmt.Errorf("event is nil")
	}
	data, err := codec.Marshal(event)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("failed to marshal event %s: %w", event.EventType(), err)
	}

	occurredAt := event.OccurredAt()
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return StoredEvent{
		ID:            event.EventID(),
		AggregateID:   event.AggregateID(),
		EventType:     event.EventType(),
		SchemaVersion: events.SchemaVersionOf(event),
		Data:          data,
		Metadata:      copyMetadata(event.Metadata()),
		OccurredAt:    occurredAt,
	}, nil
}

func copyMetadata(metadata events.EventMetadata) map[string]interface{} {
	if len(metadata) == 0 {
		return nil
	}
	result := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		result[k] = v
	}
	return result
}

// EventTypeRegistry сопоставляет тип события с Go-типом payload.
// Реализует EventDeserializer.
type EventTypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewEventTypeRegistry создает пустой реестр типов
func NewEventTypeRegistry() *EventTypeRegistry {
	return &EventTypeRegistry{types: make(map[string]reflect.Type)}
}

// Register связывает eventType с типом значения sample (структура или указатель на нее)
func (r *EventTypeRegistry) Register(eventType string, sample interface{}) {
	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[eventType] = t
}

// DeserializeEvent восстанавливает указатель на зарегистрированный тип
func (r *EventTypeRegistry) DeserializeEvent(event StoredEvent) (interface{}, error) {
	r.mu.RLock()
	t, ok := r.types[event.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", event.EventType)
	}

	v := reflect.New(t).Interface()
	if err := event.Decode(v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", event.EventType, err)
	}
	return v, nil
}
