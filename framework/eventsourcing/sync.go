package eventsourcing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/potter-eventstore/framework/core"
)

// metaSyncedBy помечает копии событий, записанные конкретным SyncEngine
const metaSyncedBy = "synced_by"

// SyncCursor позиции глобальных логов, до которых синхронизация уже дошла
type SyncCursor struct {
	LocalPosition  int64
	RemotePosition int64
}

// SyncReport итог одного прохода синхронизации
type SyncReport struct {
	Pushed    int
	Pulled    int
	Conflicts int
}

// ConflictResolver решает, каким будет хвост агрегата, получившего новые события с обеих сторон.
// Каждое событие результата, отсутствующее на стороне, дописывается на нее.
type ConflictResolver interface {
	Resolve(ctx context.Context, aggregateID string, local, remote []StoredEvent) ([]StoredEvent, error)
}

// LastWriteWins оставляет события стороны с более поздним OccurredAt; при равенстве побеждает remote
type LastWriteWins struct{}

func (LastWriteWins) Resolve(_ context.Context, _ string, local, remote []StoredEvent) ([]StoredEvent, error) {
	if lastOccurred(local).After(lastOccurred(remote)) {
		return local, nil
	}
	return remote, nil
}

func lastOccurred(evts []StoredEvent) time.Time {
	var last time.Time
	for _, event := range evts {
		if event.OccurredAt.After(last) {
			last = event.OccurredAt
		}
	}
	return last
}

// AppendOnly сохраняет события обеих сторон: сначала local, затем remote
type AppendOnly struct{}

func (AppendOnly) Resolve(_ context.Context, _ string, local, remote []StoredEvent) ([]StoredEvent, error) {
	merged := make([]StoredEvent, 0, len(local)+len(remote))
	merged = append(merged, local...)
	return append(merged, remote...), nil
}

// ManualResolver делегирует решение функции
type ManualResolver func(ctx context.Context, aggregateID string, local, remote []StoredEvent) ([]StoredEvent, error)

func (f ManualResolver) Resolve(ctx context.Context, aggregateID string, local, remote []StoredEvent) ([]StoredEvent, error) {
	return f(ctx, aggregateID, local, remote)
}

// SyncEngine двусторонняя синхронизация двух EventStore'ов.
// Проходы сериализуются; события, записанные самим движком, при следующем проходе не пересылаются обратно.
type SyncEngine struct {
	id       string
	local    *EventStore
	remote   *EventStore
	resolver ConflictResolver
	logger   core.Logger

	mu     sync.Mutex
	cursor SyncCursor
}

// NewSyncEngine создает движок; nil resolver означает LastWriteWins
func NewSyncEngine(local, remote *EventStore, resolver ConflictResolver) *SyncEngine {
	if resolver == nil {
		resolver = LastWriteWins{}
	}
	return &SyncEngine{
		id:       uuid.NewString(),
		local:    local,
		remote:   remote,
		resolver: resolver,
		logger:   core.NopLogger{},
	}
}

// WithLogger устанавливает логгер
func (e *SyncEngine) WithLogger(logger core.Logger) *SyncEngine {
	e.logger = core.LoggerOrNop(logger)
	return e
}

// WithCursor продолжает синхронизацию с сохраненного курсора
func (e *SyncEngine) WithCursor(cursor SyncCursor) *SyncEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = cursor
	return e
}

// Cursor возвращает текущий курсор
func (e *SyncEngine) Cursor() SyncCursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Sync выполняет один проход: новые локальные события уходят на remote, новые удаленные приходят в local.
// Курсор сдвигается только после успешной записи обеих сторон.
func (e *SyncEngine) Sync(ctx context.Context) (SyncReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var report SyncReport

	localNew, localPos, err := e.collect(ctx, e.local, e.cursor.LocalPosition)
	if err != nil {
		return report, fmt.Errorf("failed to read local log: %w", err)
	}
	remoteNew, remotePos, err := e.collect(ctx, e.remote, e.cursor.RemotePosition)
	if err != nil {
		return report, fmt.Errorf("failed to read remote log: %w", err)
	}

	order := make([]string, 0, len(localNew.order)+len(remoteNew.order))
	seen := make(map[string]bool)
	for _, id := range append(append([]string{}, localNew.order...), remoteNew.order...) {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}

	for _, aggregateID := range order {
		local := localNew.byAggregate[aggregateID]
		remote := remoteNew.byAggregate[aggregateID]

		toRemote, toLocal := local, remote
		if len(local) > 0 && len(remote) > 0 {
			report.Conflicts++
			merged, err := e.resolver.Resolve(ctx, aggregateID, local, remote)
			if err != nil {
				return report, fmt.Errorf("failed to resolve conflict on %s: %w", aggregateID, err)
			}
			toRemote = missingFrom(merged, remote)
			toLocal = missingFrom(merged, local)
			e.logger.Info("sync conflict resolved",
				"aggregate_id", aggregateID,
				"local_events", len(local),
				"remote_events", len(remote),
				"to_remote", len(toRemote),
				"to_local", len(toLocal),
			)
		}

		if err := e.copyTo(ctx, e.remote, aggregateID, toRemote); err != nil {
			return report, fmt.Errorf("failed to push %s: %w", aggregateID, err)
		}
		report.Pushed += len(toRemote)
		if err := e.copyTo(ctx, e.local, aggregateID, toLocal); err != nil {
			return report, fmt.Errorf("failed to pull %s: %w", aggregateID, err)
		}
		report.Pulled += len(toLocal)
	}

	e.cursor = SyncCursor{LocalPosition: localPos, RemotePosition: remotePos}
	e.logger.Debug("sync finished",
		"pushed", report.Pushed,
		"pulled", report.Pulled,
		"conflicts", report.Conflicts,
	)
	return report, nil
}

type syncBatch struct {
	order       []string
	byAggregate map[string][]StoredEvent
}

// collect читает лог после from, пропуская собственные копии движка
func (e *SyncEngine) collect(ctx context.Context, store *EventStore, from int64) (syncBatch, int64, error) {
	batch := syncBatch{byAggregate: make(map[string][]StoredEvent)}
	last := from
	err := store.ReadAll(ctx, from, 0, func(event StoredEvent) error {
		last = event.Position
		if by, ok := event.Metadata[metaSyncedBy].(string); ok && by == e.id {
			return nil
		}
		if _, ok := batch.byAggregate[event.AggregateID]; !ok {
			batch.order = append(batch.order, event.AggregateID)
		}
		batch.byAggregate[event.AggregateID] = append(batch.byAggregate[event.AggregateID], event)
		return nil
	})
	return batch, last, err
}

func (e *SyncEngine) copyTo(ctx context.Context, store *EventStore, aggregateID string, evts []StoredEvent) error {
	if len(evts) == 0 {
		return nil
	}
	copies := make([]StoredEvent, len(evts))
	for i, event := range evts {
		metadata := make(map[string]interface{}, len(event.Metadata)+1)
		for k, v := range event.Metadata {
			metadata[k] = v
		}
		metadata[metaSyncedBy] = e.id
		copies[i] = StoredEvent{
			ID:            event.ID,
			AggregateID:   aggregateID,
			EventType:     event.EventType,
			SchemaVersion: event.SchemaVersion,
			Data:          event.Data,
			Metadata:      metadata,
			OccurredAt:    event.OccurredAt,
		}
	}
	_, err := store.AppendStored(ctx, aggregateID, AnyVersion, copies)
	return err
}

func missingFrom(merged, side []StoredEvent) []StoredEvent {
	present := make(map[string]bool, len(side))
	for _, event := range side {
		present[event.ID] = true
	}
	var result []StoredEvent
	for _, event := range merged {
		if !present[event.ID] {
			result = append(result, event)
		}
	}
	return result
}
