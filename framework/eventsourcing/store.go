package eventsourcing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/events"
	"github.com/akriventsev/potter-eventstore/framework/metrics"
)

// EventStore координирует один Backend: запись, чтение, снапшоты и рассылку новых событий подписчикам.
//
// Записи в один агрегат сериализуются, записи в разные агрегаты выполняются параллельно.
// Повторных попыток при ошибках backend'а нет.
type EventStore struct {
	backend    Backend
	versions   *VersionRegistry
	logger     core.Logger
	metrics    *metrics.Metrics
	bufferSize int
	seq        *sequencer

	streamsMu sync.Mutex
	streams   map[string]*streamLock

	subMu     sync.RWMutex
	subs      map[uint64]*Subscription
	nextSubID uint64
	closed    bool
}

type streamLock struct {
	mu   sync.Mutex
	refs int
}

// NewEventStore создает EventStore поверх backend'а
func NewEventStore(backend Backend) *EventStore {
	return &EventStore{
		backend:    backend,
		logger:     core.NopLogger{},
		bufferSize: DefaultSubscriberBuffer,
		seq:        newSequencer(),
		streams:    make(map[string]*streamLock),
		subs:       make(map[uint64]*Subscription),
	}
}

// WithLogger устанавливает логгер
func (s *EventStore) WithLogger(logger core.Logger) *EventStore {
	s.logger = core.LoggerOrNop(logger)
	return s
}

// WithMetrics добавляет метрики
func (s *EventStore) WithMetrics(m *metrics.Metrics) *EventStore {
	s.metrics = m
	return s
}

// WithVersionRegistry включает upcasting на путях replay
func (s *EventStore) WithVersionRegistry(registry *VersionRegistry) *EventStore {
	s.versions = registry
	return s
}

// WithSubscriberBuffer задает размер буфера новых подписок
func (s *EventStore) WithSubscriberBuffer(size int) *EventStore {
	if size > 0 {
		s.bufferSize = size
	}
	return s
}

// Backend возвращает нижележащий backend
func (s *EventStore) Backend() Backend {
	return s.backend
}

// VersionRegistry возвращает реестр upcaster'ов (может быть nil)
func (s *EventStore) VersionRegistry() *VersionRegistry {
	return s.versions
}

// Append добавляет события в поток агрегата без проверки версии
func (s *EventStore) Append(ctx context.Context, aggregateID string, evts ...events.Event) error {
	_, err := s.AppendExpected(ctx, aggregateID, AnyVersion, evts...)
	return err
}

// AppendExpected добавляет события с проверкой ожидаемой версии потока
// и возвращает записанные события с присвоенными версиями и позициями.
func (s *EventStore) AppendExpected(ctx context.Context, aggregateID string, expectedVersion int64, evts ...events.Event) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	if len(evts) == 0 {
		return nil, nil
	}

	envelopes := make([]StoredEvent, 0, len(evts))
	for _, e := range evts {
		env, err := NewStoredEvent(e)
		if err != nil {
			return nil, err
		}
		env.AggregateID = aggregateID
		envelopes = append(envelopes, env)
	}

	return s.AppendStored(ctx, aggregateID, expectedVersion, envelopes)
}

// AppendStored записывает уже закодированные конверты (используется при синхронизации и миграции)
func (s *EventStore) AppendStored(ctx context.Context, aggregateID string, expectedVersion int64, envelopes []StoredEvent) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	if len(envelopes) == 0 {
		return nil, nil
	}
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if r, ok := s.backend.(AtomicityReporter); ok && !r.SupportsAtomicAppend() && len(envelopes) > 1 {
		return nil, fmt.Errorf("append %d events to %s: %w", len(envelopes), aggregateID, ErrNonAtomicAppend)
	}

	release := s.lockStream(aggregateID)
	defer release()

	ticket := s.seq.begin()
	start := time.Now()
	committed, err := s.backend.Append(ctx, aggregateID, expectedVersion, envelopes)
	s.metrics.RecordAppend(ctx, len(envelopes), time.Since(start), err)
	if err != nil {
		s.seq.done(ticket, nil, s.publisherFor(ctx))
		s.logger.Error("append failed",
			"aggregate_id", aggregateID,
			"event_count", len(envelopes),
			"error", err,
		)
		return nil, fmt.Errorf("failed to append events to %s: %w", aggregateID, err)
	}

	s.logger.Debug("events appended",
		"aggregate_id", aggregateID,
		"event_count", len(committed),
	)

	// рассылка идет в порядке позиций лога; событие за дыркой ждет завершения более ранних записей
	s.seq.done(ticket, committed, s.publisherFor(ctx))
	return committed, nil
}

// GetEvents возвращает события агрегата в том виде, в каком они записаны
func (s *EventStore) GetEvents(ctx context.Context, aggregateID string) ([]StoredEvent, error) {
	result, err := s.backend.GetEvents(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events for %s: %w", aggregateID, err)
	}
	return result, nil
}

// GetEventsAfter возвращает события агрегата новее указанной версии
func (s *EventStore) GetEventsAfter(ctx context.Context, aggregateID string, version int64) ([]StoredEvent, error) {
	result, err := s.backend.GetEventsAfter(ctx, aggregateID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get events for %s after %d: %w", aggregateID, version, err)
	}
	return result, nil
}

// GetAllEvents возвращает весь лог
func (s *EventStore) GetAllEvents(ctx context.Context) ([]StoredEvent, error) {
	result, err := s.backend.GetAllEvents(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get all events: %w", err)
	}
	return result, nil
}

// LoadEvents возвращает события агрегата, приведенные к актуальным версиям схемы
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string) ([]StoredEvent, error) {
	result, err := s.GetEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	return s.upcastAll(result), nil
}

// LoadEventsAfter аналог GetEventsAfter с upcasting
func (s *EventStore) LoadEventsAfter(ctx context.Context, aggregateID string, version int64) ([]StoredEvent, error) {
	result, err := s.GetEventsAfter(ctx, aggregateID, version)
	if err != nil {
		return nil, err
	}
	return s.upcastAll(result), nil
}

// StreamVersion возвращает текущую версию потока (0 для пустого)
func (s *EventStore) StreamVersion(ctx context.Context, aggregateID string) (int64, error) {
	stream, err := s.GetEvents(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Version, nil
}

// SaveSnapshot сохраняет сырой снапшот. Для backend'ов без поддержки снапшотов ничего не делает.
func (s *EventStore) SaveSnapshot(ctx context.Context, aggregateID string, data []byte, version int64) error {
	sb, ok := s.backend.(SnapshotBackend)
	if !ok {
		return nil
	}
	if aggregateID == "" {
		return ErrEmptyAggregateID
	}
	if version < 0 {
		return ErrInvalidVersion
	}
	if version > 0 {
		// снапшот не может опережать поток
		tail, err := s.backend.GetEventsAfter(ctx, aggregateID, version-1)
		if err != nil {
			return fmt.Errorf("failed to check stream version: %w", err)
		}
		if len(tail) == 0 {
			return fmt.Errorf("snapshot version %d exceeds stream %s: %w", version, aggregateID, ErrInvalidVersion)
		}
	}
	if err := sb.SaveSnapshot(ctx, aggregateID, data, version); err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", aggregateID, err)
	}
	return nil
}

// GetLatestSnapshot возвращает последний сырой снапшот и его версию
func (s *EventStore) GetLatestSnapshot(ctx context.Context, aggregateID string) ([]byte, int64, error) {
	sb, ok := s.backend.(SnapshotBackend)
	if !ok {
		return nil, 0, ErrSnapshotsNotSupported
	}
	data, version, err := sb.GetLatestSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get snapshot for %s: %w", aggregateID, err)
	}
	return data, version, nil
}

// Flush сбрасывает отложенные записи backend'а
func (s *EventStore) Flush(ctx context.Context) error {
	return s.backend.Flush(ctx)
}

// Stats возвращает счетчики backend'а
func (s *EventStore) Stats() BackendStats {
	return s.backend.Stats()
}

// Subscribe регистрирует новую подписку с буфером по умолчанию
func (s *EventStore) Subscribe() *Subscription {
	return s.SubscribeWithBuffer(s.bufferSize)
}

// SubscribeWithBuffer регистрирует новую подписку с указанным буфером
func (s *EventStore) SubscribeWithBuffer(size int) *Subscription {
	if size <= 0 {
		size = s.bufferSize
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.nextSubID++
	sub := &Subscription{
		id:    s.nextSubID,
		ch:    make(chan StoredEvent, size),
		store: s,
	}
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.subs[sub.id] = sub
	return sub
}

// SubscriberCount возвращает количество живых подписок
func (s *EventStore) SubscriberCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs)
}

// Close закрывает все подписки; последующие записи возвращают ErrStoreClosed
func (s *EventStore) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
	return nil
}

func (s *EventStore) unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		close(sub.ch)
	}
}

func (s *EventStore) isClosed() bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.closed
}

func (s *EventStore) publisherFor(ctx context.Context) func([]StoredEvent) {
	return func(ready []StoredEvent) {
		s.publish(context.WithoutCancel(ctx), ready)
	}
}

func (s *EventStore) publish(ctx context.Context, committed []StoredEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, event := range committed {
		for _, sub := range s.subs {
			if !sub.offer(event) {
				s.metrics.RecordSubscriberDrop(ctx)
				s.logger.Warn("subscriber buffer full, event dropped",
					"aggregate_id", event.AggregateID,
					"event_type", event.EventType,
					"position", event.Position,
					"subscription", sub.id,
				)
			}
		}
	}
}

func (s *EventStore) lockStream(aggregateID string) func() {
	s.streamsMu.Lock()
	l, ok := s.streams[aggregateID]
	if !ok {
		l = &streamLock{}
		s.streams[aggregateID] = l
	}
	l.refs++
	s.streamsMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.streamsMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.streams, aggregateID)
		}
		s.streamsMu.Unlock()
	}
}

func (s *EventStore) upcastAll(stored []StoredEvent) []StoredEvent {
	if s.versions == nil {
		return stored
	}
	result := make([]StoredEvent, len(stored))
	for i, e := range stored {
		result[i] = s.versions.Upcast(e)
	}
	return result
}
