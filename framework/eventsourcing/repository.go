package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/akriventsev/potter-eventstore/framework/core"
)

// ErrAggregateNotFound возникает при загрузке агрегата без событий и снапшотов
var ErrAggregateNotFound = errors.New("aggregate not found")

// AggregateFactory создает пустой агрегат
type AggregateFactory[A Aggregate] func(id string) A

// RepositoryConfig конфигурация для Event Sourced репозитория
type RepositoryConfig struct {
	UseSnapshots     bool
	SnapshotStrategy SnapshotStrategy
}

// DefaultRepositoryConfig возвращает конфигурацию по умолчанию
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		UseSnapshots:     true,
		SnapshotStrategy: NewFrequencySnapshotStrategy(100),
	}
}

// Repository generic репозиторий для Event Sourced агрегатов.
// Снапшотом служит JSON-представление агрегата (экспортируемые поля).
type Repository[A Aggregate] struct {
	store   *EventStore
	config  RepositoryConfig
	factory AggregateFactory[A]
	logger  core.Logger

	mu           sync.Mutex
	lastSnapshot map[string]int64
}

// NewRepository создает новый репозиторий
func NewRepository[A Aggregate](store *EventStore, config RepositoryConfig, factory AggregateFactory[A]) *Repository[A] {
	if config.SnapshotStrategy == nil {
		config.SnapshotStrategy = DefaultRepositoryConfig().SnapshotStrategy
	}
	return &Repository[A]{
		store:        store,
		config:       config,
		factory:      factory,
		logger:       core.NopLogger{},
		lastSnapshot: make(map[string]int64),
	}
}

// WithLogger устанавливает логгер
func (r *Repository[A]) WithLogger(logger core.Logger) *Repository[A] {
	r.logger = core.LoggerOrNop(logger)
	return r
}

// Save записывает несохраненные события агрегата с проверкой версии
func (r *Repository[A]) Save(ctx context.Context, aggregate A) error {
	pending := aggregate.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}

	expectedVersion := aggregate.Version() - int64(len(pending))
	if expectedVersion < 0 {
		expectedVersion = 0
	}

	committed, err := r.store.AppendExpected(ctx, aggregate.ID(), expectedVersion, pending...)
	if err != nil {
		return err
	}
	aggregate.MarkEventsAsCommitted()
	if len(committed) > 0 {
		aggregate.SetVersion(committed[len(committed)-1].Version)
	}

	if r.config.UseSnapshots {
		r.maybeSnapshot(ctx, aggregate)
	}
	return nil
}

// Load восстанавливает агрегат из последнего снапшота и событий после него
func (r *Repository[A]) Load(ctx context.Context, aggregateID string) (A, error) {
	var zero A
	if r.factory == nil {
		return zero, fmt.Errorf("aggregate factory not set")
	}

	aggregate := r.factory(aggregateID)
	fromVersion := int64(0)
	if r.config.UseSnapshots {
		fromVersion = r.restoreSnapshot(ctx, aggregate)
		if fromVersion == 0 {
			// снапшот не подошел; начинаем с чистого агрегата
			aggregate = r.factory(aggregateID)
		}
	}

	history, err := r.store.LoadEventsAfter(ctx, aggregateID, fromVersion)
	if err != nil {
		return zero, err
	}
	if fromVersion == 0 && len(history) == 0 {
		return zero, fmt.Errorf("%s: %w", aggregateID, ErrAggregateNotFound)
	}
	if err := LoadFromHistory(aggregate, history); err != nil {
		return zero, err
	}
	return aggregate, nil
}

// Exists проверяет, есть ли у агрегата события
func (r *Repository[A]) Exists(ctx context.Context, aggregateID string) (bool, error) {
	version, err := r.store.StreamVersion(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

// GetVersion возвращает текущую версию потока
func (r *Repository[A]) GetVersion(ctx context.Context, aggregateID string) (int64, error) {
	return r.store.StreamVersion(ctx, aggregateID)
}

func (r *Repository[A]) restoreSnapshot(ctx context.Context, aggregate A) int64 {
	data, version, err := r.store.GetLatestSnapshot(ctx, aggregate.ID())
	if err != nil {
		if !IsSnapshotMissing(err) {
			r.logger.Warn("snapshot load failed", "aggregate_id", aggregate.ID(), "error", err)
		}
		return 0
	}
	if err := codec.Unmarshal(data, aggregate); err != nil {
		r.logger.Warn("snapshot decode failed", "aggregate_id", aggregate.ID(), "error", err)
		return 0
	}
	aggregate.SetVersion(version)
	r.rememberSnapshot(aggregate.ID(), version)
	return version
}

// maybeSnapshot снимает снапшот по стратегии; ошибка не влияет на уже записанные события
func (r *Repository[A]) maybeSnapshot(ctx context.Context, aggregate A) {
	r.mu.Lock()
	sinceLast := aggregate.Version() - r.lastSnapshot[aggregate.ID()]
	r.mu.Unlock()

	if !r.config.SnapshotStrategy.ShouldSnapshot(aggregate.Version(), sinceLast) {
		return
	}
	if err := SaveSnapshotState(ctx, r.store, aggregate.ID(), aggregate, aggregate.Version()); err != nil {
		r.logger.Warn("snapshot save failed", "aggregate_id", aggregate.ID(), "error", err)
		return
	}
	r.rememberSnapshot(aggregate.ID(), aggregate.Version())
}

func (r *Repository[A]) rememberSnapshot(aggregateID string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.lastSnapshot[aggregateID] {
		r.lastSnapshot[aggregateID] = version
	}
}
