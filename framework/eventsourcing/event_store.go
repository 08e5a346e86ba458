// Package eventsourcing предоставляет полную поддержку Event Sourcing паттерна.
package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/akriventsev/potter-eventstore/framework/core"
)

// AnyVersion отключает проверку ожидаемой версии при добавлении событий
const AnyVersion int64 = -1

var (
	// ErrConcurrencyConflict возникает при конфликте версий при сохранении событий
	ErrConcurrencyConflict = errors.New("concurrency conflict: expected version does not match current version")
	// ErrInvalidVersion возникает при некорректной версии события или снапшота
	ErrInvalidVersion = errors.New("invalid event version")
	// ErrEmptyAggregateID возникает при пустом идентификаторе агрегата
	ErrEmptyAggregateID = errors.New("aggregate id is empty")
	// ErrNonAtomicAppend возникает, когда backend не может атомарно записать несколько событий
	ErrNonAtomicAppend = errors.New("backend cannot append multiple events atomically")
	// ErrSnapshotsNotSupported возникает, когда backend не хранит снапшоты
	ErrSnapshotsNotSupported = errors.New("snapshots not supported by this backend")
	// ErrSnapshotNotFound возникает, когда снапшот агрегата отсутствует
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrStreamLimitExceeded возникает при превышении лимита событий в потоке
	ErrStreamLimitExceeded = errors.New("max events per stream exceeded")
	// ErrStoreClosed возникает при обращении к закрытому EventStore
	ErrStoreClosed = errors.New("event store is closed")
)

// StoredEvent представляет сохраненное событие с метаданными.
// После записи событие неизменяемо: Data разделяется между подписчиками и не должно модифицироваться.
type StoredEvent struct {
	ID            string                 `json:"id" bson:"event_id"`
	AggregateID   string                 `json:"aggregate_id" bson:"aggregate_id"`
	EventType     string                 `json:"event_type" bson:"event_type"`
	SchemaVersion int                    `json:"schema_version" bson:"schema_version"`
	Data          json.RawMessage        `json:"data" bson:"data"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Version       int64                  `json:"version" bson:"version"`
	Position      int64                  `json:"position" bson:"position"`
	OccurredAt    time.Time              `json:"occurred_at" bson:"occurred_at"`
	CreatedAt     time.Time              `json:"created_at" bson:"created_at"`
}

// Decode десериализует payload события в v
func (e StoredEvent) Decode(v interface{}) error {
	return codec.Unmarshal(e.Data, v)
}

// BackendStats счетчики backend'а. Изменяются только самим backend'ом.
type BackendStats struct {
	TotalEvents     int64
	TotalAggregates int64
	TotalSnapshots  int64
	BackendSpecific map[string]string
}

// Backend контракт долговременного хранения событий
type Backend interface {
	// Append атомарно добавляет события в поток агрегата и возвращает их с присвоенными
	// Version, Position и CreatedAt. expectedVersion == AnyVersion отключает проверку версии.
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []StoredEvent) ([]StoredEvent, error)

	// GetEvents возвращает все события агрегата по порядку; для неизвестного агрегата пустой срез
	GetEvents(ctx context.Context, aggregateID string) ([]StoredEvent, error)

	// GetEventsAfter возвращает события агрегата с Version > version
	GetEventsAfter(ctx context.Context, aggregateID string, version int64) ([]StoredEvent, error)

	// GetAllEvents возвращает события всего лога с Position > fromPosition; limit <= 0 без ограничения
	GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]StoredEvent, error)

	// Flush принудительно сбрасывает отложенные записи
	Flush(ctx context.Context) error

	// Stats возвращает счетчики без обращения к хранилищу
	Stats() BackendStats
}

// SnapshotBackend реализуется backend'ами, которые хранят снапшоты
type SnapshotBackend interface {
	SaveSnapshot(ctx context.Context, aggregateID string, data []byte, version int64) error
	// GetLatestSnapshot возвращает ErrSnapshotNotFound, если снапшота нет
	GetLatestSnapshot(ctx context.Context, aggregateID string) ([]byte, int64, error)
}

// AtomicityReporter реализуется backend'ами, которые могут не поддерживать атомарную запись пачки событий
type AtomicityReporter interface {
	SupportsAtomicAppend() bool
}

// EventDeserializer интерфейс для десериализации событий из хранилища
type EventDeserializer interface {
	// DeserializeEvent восстанавливает типизированное событие
	DeserializeEvent(event StoredEvent) (interface{}, error)
}

func checkExpectedVersion(expected, current int64) error {
	if expected == AnyVersion || expected == current {
		return nil
	}
	if expected < AnyVersion {
		return ErrInvalidVersion
	}
	return &VersionConflictError{Expected: expected, Actual: current}
}

// VersionConflictError детализирует ErrConcurrencyConflict
type VersionConflictError struct {
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s: expected %d, got %d", ErrConcurrencyConflict, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ErrorCode реализует core.Coded
func (e *VersionConflictError) ErrorCode() string {
	return core.ErrConflict
}
