package eventsourcing

import (
	"fmt"

	"github.com/akriventsev/potter-eventstore/framework/events"
)

// Aggregate интерфейс для Event Sourced агрегатов, с которыми работает Repository
type Aggregate interface {
	ID() string
	Version() int64
	SetVersion(version int64)
	UncommittedEvents() []events.Event
	MarkEventsAsCommitted()
	// ApplyStored применяет записанное событие при восстановлении состояния
	ApplyStored(event StoredEvent) error
}

// EventApplier изменяет состояние агрегата по событию.
// Используется и для новых событий, и при replay, поэтому получает конверт.
type EventApplier interface {
	ApplyEvent(event StoredEvent) error
}

// EventApplierFunc адаптер функции к EventApplier
type EventApplierFunc func(event StoredEvent) error

func (f EventApplierFunc) ApplyEvent(event StoredEvent) error {
	return f(event)
}

// AggregateRoot базовая реализация Aggregate для встраивания в доменные агрегаты
type AggregateRoot struct {
	id          string
	version     int64
	uncommitted []events.Event
	applier     EventApplier
}

// NewAggregateRoot создает базу агрегата; applier обычно сам доменный агрегат
func NewAggregateRoot(id string, applier EventApplier) *AggregateRoot {
	return &AggregateRoot{id: id, applier: applier}
}

// SetApplier устанавливает EventApplier
func (a *AggregateRoot) SetApplier(applier EventApplier) {
	a.applier = applier
}

// ID возвращает идентификатор агрегата
func (a *AggregateRoot) ID() string {
	return a.id
}

// Version возвращает версию с учетом несохраненных событий
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// SetVersion устанавливает версию (используется при загрузке)
func (a *AggregateRoot) SetVersion(version int64) {
	a.version = version
}

// RaiseEvent применяет новое событие и добавляет его в несохраненные.
// При ошибке применения состояние и список несохраненных не меняются.
func (a *AggregateRoot) RaiseEvent(event events.Event) error {
	stored, err := NewStoredEvent(event)
	if err != nil {
		return err
	}
	stored.AggregateID = a.id
	stored.Version = a.version + 1
	if err := a.ApplyStored(stored); err != nil {
		return err
	}
	a.uncommitted = append(a.uncommitted, event)
	a.version++
	return nil
}

// ApplyStored передает событие в applier
func (a *AggregateRoot) ApplyStored(event StoredEvent) error {
	if a.applier == nil {
		return fmt.Errorf("event applier not set for aggregate %s", a.id)
	}
	if err := a.applier.ApplyEvent(event); err != nil {
		return fmt.Errorf("failed to apply %s to %s: %w", event.EventType, a.id, err)
	}
	return nil
}

// UncommittedEvents возвращает несохраненные события
func (a *AggregateRoot) UncommittedEvents() []events.Event {
	return a.uncommitted
}

// MarkEventsAsCommitted очищает несохраненные события после записи
func (a *AggregateRoot) MarkEventsAsCommitted() {
	a.uncommitted = nil
}

// LoadFromHistory восстанавливает состояние из записанных событий
func LoadFromHistory(aggregate Aggregate, history []StoredEvent) error {
	for _, event := range history {
		if event.Version != aggregate.Version()+1 {
			return fmt.Errorf("gap in stream %s: have version %d, got %d: %w",
				aggregate.ID(), aggregate.Version(), event.Version, ErrInvalidVersion)
		}
		if err := aggregate.ApplyStored(event); err != nil {
			return err
		}
		aggregate.SetVersion(event.Version)
	}
	return nil
}
