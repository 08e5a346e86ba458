package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing/schema"
	"github.com/akriventsev/potter-eventstore/framework/migrations"
)

const (
	pgUniqueViolation = "23505"
	// ключ advisory lock, сериализующего записи между процессами
	pgAppendLockKey int64 = 0x706f74746572
)

// PostgresBackendConfig конфигурация для PostgreSQL backend'а
type PostgresBackendConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// SerializeAppends берет транзакционный advisory lock на каждую запись,
	// чтобы порядок позиций совпадал с порядком коммитов
	SerializeAppends bool
	// AutoMigrate применяет встроенные миграции при открытии
	AutoMigrate bool
}

// Validate проверяет корректность конфигурации
func (c PostgresBackendConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.MaxConns < 0 || c.MinConns < 0 {
		return fmt.Errorf("connection limits cannot be negative")
	}
	if c.MaxConns > 0 && c.MinConns > c.MaxConns {
		return fmt.Errorf("min conns (%d) exceeds max conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

// DefaultPostgresBackendConfig возвращает конфигурацию по умолчанию
func DefaultPostgresBackendConfig() PostgresBackendConfig {
	return PostgresBackendConfig{
		MaxConns:         25,
		MinConns:         2,
		MaxConnLifetime:  5 * time.Minute,
		SerializeAppends: true,
		AutoMigrate:      true,
	}
}

// PostgresBackend реализация Backend для PostgreSQL.
// Уникальный индекс (aggregate_id, version) защищает поток от параллельных писателей других процессов.
type PostgresBackend struct {
	config PostgresBackendConfig
	pool   *pgxpool.Pool
	owned  bool

	totalEvents     atomic.Int64
	totalAggregates atomic.Int64
	totalSnapshots  atomic.Int64
}

// NewPostgresBackend подключается к PostgreSQL и готовит схему
func NewPostgresBackend(ctx context.Context, config PostgresBackendConfig) (*PostgresBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	backend, err := NewPostgresBackendFromPool(ctx, pool, config)
	if err != nil {
		pool.Close()
		return nil, err
	}
	backend.owned = true
	return backend, nil
}

// NewPostgresBackendFromPool создает backend поверх существующего пула
func NewPostgresBackendFromPool(ctx context.Context, pool *pgxpool.Pool, config PostgresBackendConfig) (*PostgresBackend, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	b := &PostgresBackend{config: config, pool: pool}

	if config.AutoMigrate {
		if err := b.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	if err := b.loadCounters(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Migrate применяет встроенные миграции схемы
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(b.pool)
	defer db.Close()
	if err := migrations.RunMigrations(ctx, db, PostgresMigrations()); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

// PostgresMigrations возвращает источник миграций для PostgreSQL
func PostgresMigrations() migrations.Source {
	return migrations.Source{Dialect: migrations.DialectPostgres, FS: schema.Postgres()}
}

// Pool возвращает пул соединений (например, для PostgresCheckpointStore)
func (b *PostgresBackend) Pool() *pgxpool.Pool {
	return b.pool
}

// Name возвращает имя компонента
func (b *PostgresBackend) Name() string {
	return "postgres-backend"
}

// Type возвращает тип компонента
func (b *PostgresBackend) Type() core.ComponentType {
	return core.ComponentTypeBackend
}

// HealthCheck проверяет соединение
func (b *PostgresBackend) HealthCheck(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close закрывает пул, если backend его создал
func (b *PostgresBackend) Close() error {
	if b.owned {
		b.pool.Close()
	}
	return nil
}

func (b *PostgresBackend) loadCounters(ctx context.Context) error {
	query, args, err := eventCountsQuery(dialectPostgres)
	if err != nil {
		return fmt.Errorf("failed to build count query: %w", err)
	}
	var total, aggregates int64
	if err := b.pool.QueryRow(ctx, query, args...).Scan(&total, &aggregates); err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}

	query, args, err = snapshotCountQuery(dialectPostgres)
	if err != nil {
		return fmt.Errorf("failed to build count query: %w", err)
	}
	var snapshots int64
	if err := b.pool.QueryRow(ctx, query, args...).Scan(&snapshots); err != nil {
		return fmt.Errorf("failed to count snapshots: %w", err)
	}

	b.totalEvents.Store(total)
	b.totalAggregates.Store(aggregates)
	b.totalSnapshots.Store(snapshots)
	return nil
}

// Append добавляет события в одной транзакции
func (b *PostgresBackend) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []StoredEvent) ([]StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if b.config.SerializeAppends {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", pgAppendLockKey); err != nil {
			return nil, fmt.Errorf("failed to acquire append lock: %w", err)
		}
	}

	query, args, err := maxVersionQuery(dialectPostgres, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to build version query: %w", err)
	}
	var currentVersion int64
	if err := tx.QueryRow(ctx, query, args...).Scan(&currentVersion); err != nil {
		return nil, fmt.Errorf("failed to check version: %w", err)
	}
	if err := checkExpectedVersion(expectedVersion, currentVersion); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	records := make([]interface{}, len(events))
	for i, event := range events {
		event.AggregateID = aggregateID
		record, err := eventRecord(event, currentVersion+int64(i)+1, now)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}

	query, args, err = insertEventsQuery(dialectPostgres, records, colVersion, colPosition)
	if err != nil {
		return nil, fmt.Errorf("failed to build insert: %w", err)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	positions := make(map[int64]int64, len(events))
	for rows.Next() {
		var version, position int64
		if err := rows.Scan(&version, &position); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan inserted position: %w", err)
		}
		positions[version] = position
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresError(err)
	}

	committed := make([]StoredEvent, len(events))
	for i, event := range events {
		event.AggregateID = aggregateID
		event.Version = currentVersion + int64(i) + 1
		event.Position = positions[event.Version]
		event.CreatedAt = now
		if event.SchemaVersion < 1 {
			event.SchemaVersion = 1
		}
		committed[i] = event
	}

	b.totalEvents.Add(int64(len(events)))
	if currentVersion == 0 {
		b.totalAggregates.Add(1)
	}
	return committed, nil
}

func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("failed to insert events: %w", err)
}

// GetEvents возвращает события агрегата
func (b *PostgresBackend) GetEvents(ctx context.Context, aggregateID string) ([]StoredEvent, error) {
	return b.GetEventsAfter(ctx, aggregateID, 0)
}

// GetEventsAfter возвращает события агрегата новее version
func (b *PostgresBackend) GetEventsAfter(ctx context.Context, aggregateID string, version int64) ([]StoredEvent, error) {
	query, args, err := streamQuery(dialectPostgres, aggregateID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream query: %w", err)
	}
	return b.queryEvents(ctx, query, args)
}

// GetAllEvents возвращает события лога после fromPosition
func (b *PostgresBackend) GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]StoredEvent, error) {
	query, args, err := logQuery(dialectPostgres, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build log query: %w", err)
	}
	return b.queryEvents(ctx, query, args)
}

func (b *PostgresBackend) queryEvents(ctx context.Context, query string, args []interface{}) ([]StoredEvent, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[eventRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}
	return rowsToStored(collected)
}

// SaveSnapshot сохраняет снапшот; снапшот той же версии не перезаписывается
func (b *PostgresBackend) SaveSnapshot(ctx context.Context, aggregateID string, data []byte, version int64) error {
	query, args, err := insertSnapshotQuery(dialectPostgres, aggregateID, data, version)
	if err != nil {
		return fmt.Errorf("failed to build snapshot insert: %w", err)
	}
	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	b.totalSnapshots.Add(tag.RowsAffected())
	return nil
}

// GetLatestSnapshot возвращает последний снапшот
func (b *PostgresBackend) GetLatestSnapshot(ctx context.Context, aggregateID string) ([]byte, int64, error) {
	query, args, err := latestSnapshotQuery(dialectPostgres, aggregateID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build snapshot query: %w", err)
	}
	var data []byte
	var version int64
	if err := b.pool.QueryRow(ctx, query, args...).Scan(&data, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrSnapshotNotFound
		}
		return nil, 0, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return data, version, nil
}

// Flush ничего не делает: каждая запись коммитится
func (b *PostgresBackend) Flush(ctx context.Context) error {
	return nil
}

// Stats возвращает счетчики из памяти процесса
func (b *PostgresBackend) Stats() BackendStats {
	poolStats := b.pool.Stat()
	return BackendStats{
		TotalEvents:     b.totalEvents.Load(),
		TotalAggregates: b.totalAggregates.Load(),
		TotalSnapshots:  b.totalSnapshots.Load(),
		BackendSpecific: map[string]string{
			"backend_type":      "postgres",
			"pool_total_conns":  strconv.FormatInt(int64(poolStats.TotalConns()), 10),
			"pool_idle_conns":   strconv.FormatInt(int64(poolStats.IdleConns()), 10),
			"serialize_appends": strconv.FormatBool(b.config.SerializeAppends),
		},
	}
}

var (
	_ Backend              = (*PostgresBackend)(nil)
	_ SnapshotBackend      = (*PostgresBackend)(nil)
	_ core.HealthCheckable = (*PostgresBackend)(nil)
)
