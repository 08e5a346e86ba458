// Package testing предоставляет утилиты для тестирования кода поверх event store.
package testing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akriventsev/potter-eventstore/framework/events"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
	"github.com/akriventsev/potter-eventstore/framework/saga"
)

// InMemoryTestEnvironment тестовая среда с готовыми in-memory компонентами
type InMemoryTestEnvironment struct {
	Backend      *eventsourcing.InMemoryBackend
	Store        *eventsourcing.EventStore
	Versions     *eventsourcing.VersionRegistry
	Checkpoints  *eventsourcing.InMemoryCheckpointStore
	Projections  *eventsourcing.ProjectionRegistry
	Orchestrator *saga.SagaOrchestrator
}

// NewInMemoryTestEnvironment создает среду; Shutdown регистрируется через t.Cleanup
func NewInMemoryTestEnvironment(t testing.TB) *InMemoryTestEnvironment {
	t.Helper()

	backend := eventsourcing.NewInMemoryBackend(eventsourcing.DefaultInMemoryBackendConfig())
	versions := eventsourcing.NewVersionRegistry()
	store := eventsourcing.NewEventStore(backend).WithVersionRegistry(versions)
	checkpoints := eventsourcing.NewInMemoryCheckpointStore()

	env := &InMemoryTestEnvironment{
		Backend:     backend,
		Store:       store,
		Versions:    versions,
		Checkpoints: checkpoints,
		Projections: eventsourcing.NewProjectionRegistry(store).
			WithCheckpointStore(checkpoints).
			WithCatchUpInterval(20 * time.Millisecond),
		Orchestrator: saga.NewSagaOrchestrator(
			saga.WithEventStore(store),
			saga.WithDefaultTimeout(time.Second),
		),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.Shutdown(ctx)
	})
	return env
}

// Shutdown останавливает проекции и закрывает store
func (e *InMemoryTestEnvironment) Shutdown(ctx context.Context) error {
	if err := e.Projections.Stop(ctx); err != nil {
		return err
	}
	return e.Store.Close()
}

// NewSQLiteBackend открывает SQLite backend во временном каталоге теста
func NewSQLiteBackend(t testing.TB) *eventsourcing.SQLiteBackend {
	t.Helper()

	cfg := eventsourcing.DefaultSQLiteBackendConfig()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	backend, err := eventsourcing.NewSQLiteBackend(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

// DrainEvents читает n событий из подписки или проваливает тест по таймауту
func DrainEvents(t testing.TB, sub *eventsourcing.Subscription, n int, timeout time.Duration) []eventsourcing.StoredEvent {
	t.Helper()

	deadline := time.After(timeout)
	result := make([]eventsourcing.StoredEvent, 0, n)
	for len(result) < n {
		select {
		case event, ok := <-sub.C():
			require.True(t, ok, "subscription closed after %d of %d events", len(result), n)
			result = append(result, event)
		case <-deadline:
			require.FailNow(t, "timed out waiting for events", "got %d of %d", len(result), n)
		}
	}
	return result
}

// TestEvent простое событие с произвольным payload для тестов
type TestEvent struct {
	*events.BaseEvent
	Payload map[string]any `json:"payload,omitempty"`
}

// NewTestEvent создает событие eventType для aggregateID
func NewTestEvent(eventType, aggregateID string, payload map[string]any) *TestEvent {
	return &TestEvent{
		BaseEvent: events.NewBaseEvent(eventType, aggregateID),
		Payload:   payload,
	}
}
