package eventsourcing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing/schema"
	"github.com/akriventsev/potter-eventstore/framework/migrations"
)

// SQLiteBackendConfig конфигурация для SQLite backend'а
type SQLiteBackendConfig struct {
	// Path путь к файлу БД; ":memory:" для временной базы в одном соединении
	Path        string
	BusyTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c SQLiteBackendConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("sqlite path cannot be empty")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy timeout cannot be negative")
	}
	return nil
}

// DefaultSQLiteBackendConfig возвращает конфигурацию по умолчанию
func DefaultSQLiteBackendConfig() SQLiteBackendConfig {
	return SQLiteBackendConfig{
		Path:        "potter-events.db",
		BusyTimeout: 5 * time.Second,
	}
}

func (c SQLiteBackendConfig) dsn() string {
	path := c.Path
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	timeout := c.BusyTimeout
	if timeout == 0 {
		timeout = DefaultSQLiteBackendConfig().BusyTimeout
	}
	return fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite",
		path, timeout.Milliseconds())
}

// SQLiteBackend реализация Backend поверх встраиваемой SQLite (чистый Go драйвер).
// Каждая запись выполняется в immediate-транзакции, поэтому позиции идут в порядке коммитов.
type SQLiteBackend struct {
	config SQLiteBackendConfig
	db     *sqlx.DB

	totalEvents     atomic.Int64
	totalAggregates atomic.Int64
	totalSnapshots  atomic.Int64
}

// NewSQLiteBackend открывает базу и применяет встроенные миграции
func NewSQLiteBackend(ctx context.Context, config SQLiteBackendConfig) (*SQLiteBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sqlite config: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if config.Path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrations.RunMigrations(ctx, sqlDB, SQLiteMigrations()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	b := &SQLiteBackend{config: config, db: sqlx.NewDb(sqlDB, "sqlite3")}
	if err := b.loadCounters(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return b, nil
}

// SQLiteMigrations возвращает источник миграций для SQLite
func SQLiteMigrations() migrations.Source {
	return migrations.Source{Dialect: migrations.DialectSQLite, FS: schema.SQLite()}
}

// DB возвращает соединение (например, для SQLiteCheckpointStore)
func (b *SQLiteBackend) DB() *sqlx.DB {
	return b.db
}

// Name возвращает имя компонента
func (b *SQLiteBackend) Name() string {
	return "sqlite-backend"
}

// Type возвращает тип компонента
func (b *SQLiteBackend) Type() core.ComponentType {
	return core.ComponentTypeBackend
}

// HealthCheck проверяет соединение
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close закрывает базу
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) loadCounters(ctx context.Context) error {
	query, args, err := eventCountsQuery(dialectSQLite)
	if err != nil {
		return fmt.Errorf("failed to build count query: %w", err)
	}
	var counts struct {
		Total      int64 `db:"total"`
		Aggregates int64 `db:"aggregates"`
	}
	if err := b.db.GetContext(ctx, &counts, query, args...); err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}

	query, args, err = snapshotCountQuery(dialectSQLite)
	if err != nil {
		return fmt.Errorf("failed to build count query: %w", err)
	}
	var snapshots int64
	if err := b.db.GetContext(ctx, &snapshots, query, args...); err != nil {
		return fmt.Errorf("failed to count snapshots: %w", err)
	}

	b.totalEvents.Store(counts.Total)
	b.totalAggregates.Store(counts.Aggregates)
	b.totalSnapshots.Store(snapshots)
	return nil
}

// Append добавляет события в одной транзакции
func (b *SQLiteBackend) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []StoredEvent) ([]StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query, args, err := maxVersionQuery(dialectSQLite, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to build version query: %w", err)
	}
	var currentVersion int64
	if err := tx.GetContext(ctx, &currentVersion, query, args...); err != nil {
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

	query, args, err = insertEventsQuery(dialectSQLite, records)
	if err != nil {
		return nil, fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, mapSQLiteError(err)
	}

	// позиции назначены AUTOINCREMENT; читаем их в той же транзакции
	query, args, err = goqu.Dialect(dialectSQLite).
		From(tableEvents).
		Select(colVersion, colPosition).
		Where(
			goqu.C(colAggregateID).Eq(aggregateID),
			goqu.C(colVersion).Gt(currentVersion),
		).
		Order(goqu.I(colVersion).Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build position query: %w", err)
	}
	var assigned []struct {
		Version  int64 `db:"version"`
		Position int64 `db:"position"`
	}
	if err := tx.SelectContext(ctx, &assigned, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read assigned positions: %w", err)
	}
	if len(assigned) != len(events) {
		return nil, fmt.Errorf("inserted %d events, found %d", len(events), len(assigned))
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteError(err)
	}

	committed := make([]StoredEvent, len(events))
	for i, event := range events {
		event.AggregateID = aggregateID
		event.Version = assigned[i].Version
		event.Position = assigned[i].Position
		event.CreatedAt = now
		event.OccurredAt = event.OccurredAt.UTC()
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

func mapSQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, sqliteErr.Error())
	}
	return fmt.Errorf("failed to insert events: %w", err)
}

// GetEvents возвращает события агрегата
func (b *SQLiteBackend) GetEvents(ctx context.Context, aggregateID string) ([]StoredEvent, error) {
	return b.GetEventsAfter(ctx, aggregateID, 0)
}

// GetEventsAfter возвращает события агрегата новее version
func (b *SQLiteBackend) GetEventsAfter(ctx context.Context, aggregateID string, version int64) ([]StoredEvent, error) {
	query, args, err := streamQuery(dialectSQLite, aggregateID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream query: %w", err)
	}
	return b.queryEvents(ctx, query, args)
}

// GetAllEvents возвращает события лога после fromPosition
func (b *SQLiteBackend) GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]StoredEvent, error) {
	query, args, err := logQuery(dialectSQLite, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build log query: %w", err)
	}
	return b.queryEvents(ctx, query, args)
}

func (b *SQLiteBackend) queryEvents(ctx context.Context, query string, args []interface{}) ([]StoredEvent, error) {
	var rows []eventRow
	if err := b.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return rowsToStored(rows)
}

// SaveSnapshot сохраняет снапшот; снапшот той же версии не перезаписывается
func (b *SQLiteBackend) SaveSnapshot(ctx context.Context, aggregateID string, data []byte, version int64) error {
	query, args, err := insertSnapshotQuery(dialectSQLite, aggregateID, data, version)
	if err != nil {
		return fmt.Errorf("failed to build snapshot insert: %w", err)
	}
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		b.totalSnapshots.Add(n)
	}
	return nil
}

// GetLatestSnapshot возвращает последний снапшот
func (b *SQLiteBackend) GetLatestSnapshot(ctx context.Context, aggregateID string) ([]byte, int64, error) {
	query, args, err := latestSnapshotQuery(dialectSQLite, aggregateID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build snapshot query: %w", err)
	}
	var snap struct {
		Data    []byte `db:"data"`
		Version int64  `db:"version"`
	}
	if err := b.db.GetContext(ctx, &snap, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrSnapshotNotFound
		}
		return nil, 0, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap.Data, snap.Version, nil
}

// Flush переносит WAL в основной файл базы
func (b *SQLiteBackend) Flush(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// Stats возвращает счетчики из памяти процесса
func (b *SQLiteBackend) Stats() BackendStats {
	dbStats := b.db.Stats()
	return BackendStats{
		TotalEvents:     b.totalEvents.Load(),
		TotalAggregates: b.totalAggregates.Load(),
		TotalSnapshots:  b.totalSnapshots.Load(),
		BackendSpecific: map[string]string{
			"backend_type":     "sqlite",
			"path":             b.config.Path,
			"open_connections": strconv.Itoa(dbStats.OpenConnections),
		},
	}
}

// SQLiteCheckpointStore реализация CheckpointStore для SQLite
type SQLiteCheckpointStore struct {
	db *sqlx.DB
}

// NewSQLiteCheckpointStore создает новый SQLiteCheckpointStore; таблицу создают миграции backend'а
func NewSQLiteCheckpointStore(db *sqlx.DB) *SQLiteCheckpointStore {
	return &SQLiteCheckpointStore{db: db}
}

type checkpointRow struct {
	ProjectionName string    `db:"projection_name"`
	Version        int64     `db:"version"`
	LogPosition    int64     `db:"log_position"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r checkpointRow) checkpoint() Checkpoint {
	return Checkpoint{Version: r.Version, LogPosition: r.LogPosition, UpdatedAt: r.UpdatedAt.UTC()}
}

func (s *SQLiteCheckpointStore) SaveCheckpoint(ctx context.Context, projectionName string, checkpoint Checkpoint) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	builder := goqu.Dialect(dialectSQLite)
	query, args, err := builder.Delete(tableCheckpoints).
		Where(goqu.C(colProjectionName).Eq(projectionName)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", projectionName, err)
	}

	query, args, err = builder.Insert(tableCheckpoints).
		Rows(goqu.Record{
			colProjectionName:    projectionName,
			colCheckpointVersion: checkpoint.Version,
			colLogPosition:       checkpoint.LogPosition,
			colUpdatedAt:         checkpointTime(checkpoint),
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", projectionName, err)
	}
	return tx.Commit()
}

func (s *SQLiteCheckpointStore) GetCheckpoint(ctx context.Context, projectionName string) (Checkpoint, bool, error) {
	query, args, err := selectCheckpoints(dialectSQLite).
		Where(goqu.C(colProjectionName).Eq(projectionName)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to build checkpoint query: %w", err)
	}
	var row checkpointRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to get checkpoint %s: %w", projectionName, err)
	}
	return row.checkpoint(), true, nil
}

func (s *SQLiteCheckpointStore) DeleteCheckpoint(ctx context.Context, projectionName string) error {
	query, args, err := goqu.Dialect(dialectSQLite).
		Delete(tableCheckpoints).
		Where(goqu.C(colProjectionName).Eq(projectionName)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint delete: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]Checkpoint, error) {
	query, args, err := selectCheckpoints(dialectSQLite).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint query: %w", err)
	}
	var rows []checkpointRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make(map[string]Checkpoint, len(rows))
	for _, row := range rows {
		result[row.ProjectionName] = row.checkpoint()
	}
	return result, nil
}

var (
	_ Backend              = (*SQLiteBackend)(nil)
	_ SnapshotBackend      = (*SQLiteBackend)(nil)
	_ core.HealthCheckable = (*SQLiteBackend)(nil)
	_ CheckpointStore      = (*SQLiteCheckpointStore)(nil)
)
