package eventsourcing

import (
	"context"
	"fmt"
)

// BackendKind тип хранилища событий
type BackendKind string

const (
	BackendInMemory BackendKind = "memory"
	BackendPostgres BackendKind = "postgres"
	BackendMongoDB  BackendKind = "mongodb"
	BackendSQLite   BackendKind = "sqlite"
)

// BackendConfig выбирает backend и хранит конфигурации всех вариантов
type BackendConfig struct {
	Kind     BackendKind
	InMemory InMemoryBackendConfig
	Postgres PostgresBackendConfig
	MongoDB  MongoBackendConfig
	SQLite   SQLiteBackendConfig
}

// Validate проверяет конфигурацию выбранного backend'а
func (c BackendConfig) Validate() error {
	switch c.Kind {
	case BackendInMemory:
		return nil
	case BackendPostgres:
		return c.Postgres.Validate()
	case BackendMongoDB:
		return c.MongoDB.Validate()
	case BackendSQLite:
		return c.SQLite.Validate()
	default:
		return fmt.Errorf("unknown backend kind: %q", c.Kind)
	}
}

// OpenedBackend backend вместе с хранилищем checkpoint'ов на том же ресурсе
type OpenedBackend struct {
	Backend     Backend
	Checkpoints CheckpointStore
	close       func(ctx context.Context) error
}

// Close освобождает соединения backend'а
func (o *OpenedBackend) Close(ctx context.Context) error {
	if o.close == nil {
		return nil
	}
	return o.close(ctx)
}

// OpenBackend создает backend по конфигурации
func OpenBackend(ctx context.Context, config BackendConfig) (*OpenedBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}

	switch config.Kind {
	case BackendPostgres:
		backend, err := NewPostgresBackend(ctx, config.Postgres)
		if err != nil {
			return nil, err
		}
		return &OpenedBackend{
			Backend:     backend,
			Checkpoints: NewPostgresCheckpointStore(backend.Pool()),
			close:       func(context.Context) error { return backend.Close() },
		}, nil
	case BackendMongoDB:
		backend, err := NewMongoBackend(ctx, config.MongoDB)
		if err != nil {
			return nil, err
		}
		return &OpenedBackend{
			Backend:     backend,
			Checkpoints: NewMongoCheckpointStore(backend.Database()),
			close:       backend.Close,
		}, nil
	case BackendSQLite:
		backend, err := NewSQLiteBackend(ctx, config.SQLite)
		if err != nil {
			return nil, err
		}
		return &OpenedBackend{
			Backend:     backend,
			Checkpoints: NewSQLiteCheckpointStore(backend.DB()),
			close:       func(context.Context) error { return backend.Close() },
		}, nil
	default:
		return &OpenedBackend{
			Backend:     NewInMemoryBackend(config.InMemory),
			Checkpoints: NewInMemoryCheckpointStore(),
		}, nil
	}
}
