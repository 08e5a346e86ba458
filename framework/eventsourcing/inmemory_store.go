package eventsourcing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// InMemoryBackendConfig конфигурация для InMemory backend'а
type InMemoryBackendConfig struct {
	// MaxEventsPerStream ограничивает длину потока; 0 без ограничения
	MaxEventsPerStream int64
}

// DefaultInMemoryBackendConfig возвращает конфигурацию по умолчанию
func DefaultInMemoryBackendConfig() InMemoryBackendConfig {
	return InMemoryBackendConfig{
		MaxEventsPerStream: 10000,
	}
}

type memorySnapshot struct {
	data    []byte
	version int64
}

// InMemoryBackend реализация Backend в памяти для тестирования и разработки
type InMemoryBackend struct {
	mu        sync.RWMutex
	streams   map[string][]StoredEvent
	allEvents []StoredEvent
	snapshots map[string]memorySnapshot
	position  int64
	config    InMemoryBackendConfig
}

// NewInMemoryBackend создает новый InMemory backend
func NewInMemoryBackend(config InMemoryBackendConfig) *InMemoryBackend {
	return &InMemoryBackend{
		streams:   make(map[string][]StoredEvent),
		allEvents: make([]StoredEvent, 0),
		snapshots: make(map[string]memorySnapshot),
		config:    config,
	}
}

// Append добавляет события в поток агрегата
func (b *InMemoryBackend) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []StoredEvent) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streams[aggregateID]
	currentVersion := int64(len(stream))

	if err := checkExpectedVersion(expectedVersion, currentVersion); err != nil {
		return nil, err
	}

	// лимит проверяется до записи, поток остается неизменным
	if b.config.MaxEventsPerStream > 0 {
		newCount := currentVersion + int64(len(events))
		if newCount > b.config.MaxEventsPerStream {
			return nil, fmt.Errorf("%w: %d (limit: %d)", ErrStreamLimitExceeded, newCount, b.config.MaxEventsPerStream)
		}
	}

	now := time.Now().UTC()
	committed := make([]StoredEvent, len(events))
	for i, event := range events {
		b.position++
		event.AggregateID = aggregateID
		event.Version = currentVersion + int64(i) + 1
		event.Position = b.position
		event.CreatedAt = now
		committed[i] = event
	}

	b.streams[aggregateID] = append(stream, committed...)
	b.allEvents = append(b.allEvents, committed...)

	result := make([]StoredEvent, len(committed))
	copy(result, committed)
	return result, nil
}

// GetEvents возвращает события агрегата
func (b *InMemoryBackend) GetEvents(ctx context.Context, aggregateID string) ([]StoredEvent, error) {
	return b.GetEventsAfter(ctx, aggregateID, 0)
}

// GetEventsAfter возвращает события агрегата новее version
func (b *InMemoryBackend) GetEventsAfter(ctx context.Context, aggregateID string, version int64) ([]StoredEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stream := b.streams[aggregateID]
	if version < 0 {
		version = 0
	}
	if version >= int64(len(stream)) {
		return []StoredEvent{}, nil
	}

	// версии в потоке плотные и начинаются с 1
	result := make([]StoredEvent, len(stream)-int(version))
	copy(result, stream[version:])
	return result, nil
}

// GetAllEvents возвращает события лога после fromPosition
func (b *InMemoryBackend) GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]StoredEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if fromPosition < 0 {
		fromPosition = 0
	}
	if fromPosition >= int64(len(b.allEvents)) {
		return []StoredEvent{}, nil
	}

	tail := b.allEvents[fromPosition:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	result := make([]StoredEvent, len(tail))
	copy(result, tail)
	return result, nil
}

// SaveSnapshot сохраняет снапшот; хранится только снапшот с наибольшей версией
func (b *InMemoryBackend) SaveSnapshot(ctx context.Context, aggregateID string, data []byte, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.snapshots[aggregateID]; ok && existing.version >= version {
		return nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	b.snapshots[aggregateID] = memorySnapshot{data: stored, version: version}
	return nil
}

// GetLatestSnapshot возвращает последний снапшот
func (b *InMemoryBackend) GetLatestSnapshot(ctx context.Context, aggregateID string) ([]byte, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap, ok := b.snapshots[aggregateID]
	if !ok {
		return nil, 0, ErrSnapshotNotFound
	}
	data := make([]byte, len(snap.data))
	copy(data, snap.data)
	return data, snap.version, nil
}

// Flush ничего не делает: записи синхронные
func (b *InMemoryBackend) Flush(ctx context.Context) error {
	return nil
}

// Stats возвращает счетчики
func (b *InMemoryBackend) Stats() BackendStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BackendStats{
		TotalEvents:     int64(len(b.allEvents)),
		TotalAggregates: int64(len(b.streams)),
		TotalSnapshots:  int64(len(b.snapshots)),
		BackendSpecific: map[string]string{
			"backend_type":          "in-memory",
			"max_events_per_stream": strconv.FormatInt(b.config.MaxEventsPerStream, 10),
		},
	}
}

// Clear очищает все события (для тестов)
func (b *InMemoryBackend) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = make(map[string][]StoredEvent)
	b.allEvents = make([]StoredEvent, 0)
	b.snapshots = make(map[string]memorySnapshot)
	b.position = 0
}

var (
	_ Backend         = (*InMemoryBackend)(nil)
	_ SnapshotBackend = (*InMemoryBackend)(nil)
)
