package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	tableCheckpoints     = "projection_checkpoints"
	colProjectionName    = "projection_name"
	colCheckpointVersion = "version"
	colLogPosition       = "log_position"
	colUpdatedAt         = "updated_at"
)

// Checkpoint сохраненная позиция проекции
type Checkpoint struct {
	// Version число примененных событий
	Version int64 `bson:"version"`
	// LogPosition глобальная позиция последнего обработанного события
	LogPosition int64     `bson:"log_position"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// CheckpointStore интерфейс для сохранения позиций проекций
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, projectionName string, checkpoint Checkpoint) error
	// GetCheckpoint возвращает found == false, если позиция не сохранялась
	GetCheckpoint(ctx context.Context, projectionName string) (Checkpoint, bool, error)
	DeleteCheckpoint(ctx context.Context, projectionName string) error
	ListCheckpoints(ctx context.Context) (map[string]Checkpoint, error)
}

// PostgresCheckpointStore реализация CheckpointStore для PostgreSQL.
// Таблица projection_checkpoints создается миграциями event store.
type PostgresCheckpointStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpointStore создает новый PostgresCheckpointStore поверх общего пула
func NewPostgresCheckpointStore(pool *pgxpool.Pool) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{pool: pool}
}

func (s *PostgresCheckpointStore) SaveCheckpoint(ctx context.Context, projectionName string, checkpoint Checkpoint) error {
	query, args, err := goqu.Dialect(dialectPostgres).
		Insert(tableCheckpoints).
		Rows(goqu.Record{
			colProjectionName:    projectionName,
			colCheckpointVersion: checkpoint.Version,
			colLogPosition:       checkpoint.LogPosition,
			colUpdatedAt:         checkpointTime(checkpoint),
		}).
		OnConflict(goqu.DoUpdate(colProjectionName, goqu.Record{
			colCheckpointVersion: goqu.L("EXCLUDED." + colCheckpointVersion),
			colLogPosition:       goqu.L("EXCLUDED." + colLogPosition),
			colUpdatedAt:         goqu.L("EXCLUDED." + colUpdatedAt),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint upsert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", projectionName, err)
	}
	return nil
}

func (s *PostgresCheckpointStore) GetCheckpoint(ctx context.Context, projectionName string) (Checkpoint, bool, error) {
	query, args, err := selectCheckpoints(dialectPostgres).
		Where(goqu.C(colProjectionName).Eq(projectionName)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to build checkpoint query: %w", err)
	}

	var name string
	var cp Checkpoint
	err = s.pool.QueryRow(ctx, query, args...).Scan(&name, &cp.Version, &cp.LogPosition, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to get checkpoint %s: %w", projectionName, err)
	}
	return cp, true, nil
}

func (s *PostgresCheckpointStore) DeleteCheckpoint(ctx context.Context, projectionName string) error {
	query, args, err := goqu.Dialect(dialectPostgres).
		Delete(tableCheckpoints).
		Where(goqu.C(colProjectionName).Eq(projectionName)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint delete: %w", err)
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

func (s *PostgresCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]Checkpoint, error) {
	query, args, err := selectCheckpoints(dialectPostgres).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checkpoints := make(map[string]Checkpoint)
	for rows.Next() {
		var name string
		var cp Checkpoint
		if err := rows.Scan(&name, &cp.Version, &cp.LogPosition, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints[name] = cp
	}
	return checkpoints, rows.Err()
}

func selectCheckpoints(dialect string) *goqu.SelectDataset {
	return goqu.Dialect(dialect).
		From(tableCheckpoints).
		Select(colProjectionName, colCheckpointVersion, colLogPosition, colUpdatedAt).
		Order(goqu.I(colProjectionName).Asc())
}

func checkpointTime(cp Checkpoint) time.Time {
	if cp.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return cp.UpdatedAt.UTC()
}

// MongoCheckpointStore реализация CheckpointStore для MongoDB
type MongoCheckpointStore struct {
	collection *mongo.Collection
}

// NewMongoCheckpointStore создает новый MongoCheckpointStore в базе database.
// _id документа совпадает с именем проекции.
func NewMongoCheckpointStore(database *mongo.Database) *MongoCheckpointStore {
	return &MongoCheckpointStore{collection: database.Collection(tableCheckpoints)}
}

func (s *MongoCheckpointStore) SaveCheckpoint(ctx context.Context, projectionName string, checkpoint Checkpoint) error {
	filter := bson.M{"_id": projectionName}
	update := bson.M{
		"$set": bson.M{
			"version":      checkpoint.Version,
			"log_position": checkpoint.LogPosition,
			"updated_at":   checkpointTime(checkpoint),
		},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", projectionName, err)
	}
	return nil
}

func (s *MongoCheckpointStore) GetCheckpoint(ctx context.Context, projectionName string) (Checkpoint, bool, error) {
	var cp Checkpoint
	err := s.collection.FindOne(ctx, bson.M{"_id": projectionName}).Decode(&cp)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to get checkpoint %s: %w", projectionName, err)
	}
	return cp, true, nil
}

func (s *MongoCheckpointStore) DeleteCheckpoint(ctx context.Context, projectionName string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": projectionName})
	return err
}

func (s *MongoCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]Checkpoint, error) {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	checkpoints := make(map[string]Checkpoint)
	for cursor.Next(ctx) {
		var doc struct {
			ID         string `bson:"_id"`
			Checkpoint `bson:",inline"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		checkpoints[doc.ID] = doc.Checkpoint
	}
	return checkpoints, cursor.Err()
}

// InMemoryCheckpointStore реализация CheckpointStore в памяти для тестирования
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewInMemoryCheckpointStore создает новый InMemoryCheckpointStore
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{
		checkpoints: make(map[string]Checkpoint),
	}
}

func (s *InMemoryCheckpointStore) SaveCheckpoint(ctx context.Context, projectionName string, checkpoint Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkpoint.UpdatedAt = checkpointTime(checkpoint)
	s.checkpoints[projectionName] = checkpoint
	return nil
}

func (s *InMemoryCheckpointStore) GetCheckpoint(ctx context.Context, projectionName string) (Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, exists := s.checkpoints[projectionName]
	return cp, exists, nil
}

func (s *InMemoryCheckpointStore) DeleteCheckpoint(ctx context.Context, projectionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, projectionName)
	return nil
}

func (s *InMemoryCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]Checkpoint, len(s.checkpoints))
	for k, v := range s.checkpoints {
		result[k] = v
	}
	return result, nil
}

var (
	_ CheckpointStore = (*PostgresCheckpointStore)(nil)
	_ CheckpointStore = (*MongoCheckpointStore)(nil)
	_ CheckpointStore = (*InMemoryCheckpointStore)(nil)
)
