package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/potter-eventstore/framework/core"
)

const mongoPositionCounter = "event_position"

// MongoBackendConfig конфигурация для MongoDB backend'а
type MongoBackendConfig struct {
	URI                string
	Database           string
	Collection         string
	SnapshotCollection string
	CounterCollection  string
	Timeout            time.Duration
	MaxPoolSize        uint64
	MinPoolSize        uint64
	// UseTransactions включает multi-document транзакции (нужен replica set).
	// Без них backend принимает только запись одного события за вызов.
	UseTransactions bool
}

// Validate проверяет корректность конфигурации
func (c MongoBackendConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}
	if c.Collection == "" || c.SnapshotCollection == "" || c.CounterCollection == "" {
		return fmt.Errorf("collection names cannot be empty")
	}
	if c.MaxPoolSize > 0 && c.MinPoolSize > c.MaxPoolSize {
		return fmt.Errorf("min pool size (%d) exceeds max pool size (%d)", c.MinPoolSize, c.MaxPoolSize)
	}
	return nil
}

// DefaultMongoBackendConfig возвращает конфигурацию по умолчанию
func DefaultMongoBackendConfig() MongoBackendConfig {
	return MongoBackendConfig{
		Database:           "potter",
		Collection:         "events",
		SnapshotCollection: "event_snapshots",
		CounterCollection:  "event_counters",
		Timeout:            10 * time.Second,
		MaxPoolSize:        100,
		MinPoolSize:        10,
		UseTransactions:    true,
	}
}

// MongoBackend реализация Backend для MongoDB.
// Глобальные позиции выдает коллекция счетчиков, уникальный индекс (aggregate_id, version)
// отсекает параллельных писателей.
type MongoBackend struct {
	config    MongoBackendConfig
	client    *mongo.Client
	events    *mongo.Collection
	snapshots *mongo.Collection
	counters  *mongo.Collection
	owned     bool

	totalEvents     atomic.Int64
	totalAggregates atomic.Int64
	totalSnapshots  atomic.Int64
}

// NewMongoBackend подключается к MongoDB и создает индексы
func NewMongoBackend(ctx context.Context, config MongoBackendConfig) (*MongoBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongodb config: %w", err)
	}

	opts := options.Client().ApplyURI(config.URI)
	if config.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(config.MaxPoolSize)
	}
	if config.MinPoolSize > 0 {
		opts.SetMinPoolSize(config.MinPoolSize)
	}
	if config.Timeout > 0 {
		opts.SetTimeout(config.Timeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	backend, err := NewMongoBackendFromClient(ctx, client, config)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	backend.owned = true
	return backend, nil
}

// NewMongoBackendFromClient создает backend поверх существующего клиента
func NewMongoBackendFromClient(ctx context.Context, client *mongo.Client, config MongoBackendConfig) (*MongoBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongodb config: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(config.Database)
	b := &MongoBackend{
		config:    config,
		client:    client,
		events:    db.Collection(config.Collection),
		snapshots: db.Collection(config.SnapshotCollection),
		counters:  db.Collection(config.CounterCollection),
	}

	if err := b.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	if err := b.loadCounters(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MongoBackend) ensureIndexes(ctx context.Context) error {
	_, err := b.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "aggregate_id", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "position", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "event_type", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create event indexes: %w", err)
	}

	_, err = b.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "aggregate_id", Value: 1}, {Key: "version", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot index: %w", err)
	}
	return nil
}

func (b *MongoBackend) loadCounters(ctx context.Context) error {
	total, err := b.events.CountDocuments(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	aggregates, err := b.events.Distinct(ctx, "aggregate_id", bson.M{})
	if err != nil {
		return fmt.Errorf("failed to count aggregates: %w", err)
	}
	snapshots, err := b.snapshots.CountDocuments(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to count snapshots: %w", err)
	}
	b.totalEvents.Store(total)
	b.totalAggregates.Store(int64(len(aggregates)))
	b.totalSnapshots.Store(snapshots)
	return nil
}

// Name возвращает имя компонента
func (b *MongoBackend) Name() string {
	return "mongodb-backend"
}

// Type возвращает тип компонента
func (b *MongoBackend) Type() core.ComponentType {
	return core.ComponentTypeBackend
}

// HealthCheck проверяет соединение
func (b *MongoBackend) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx, nil)
}

// Database возвращает базу (например, для MongoCheckpointStore)
func (b *MongoBackend) Database() *mongo.Database {
	return b.client.Database(b.config.Database)
}

// Close отключает клиента, если backend его создал
func (b *MongoBackend) Close(ctx context.Context) error {
	if b.owned {
		return b.client.Disconnect(ctx)
	}
	return nil
}

// SupportsAtomicAppend сообщает, включены ли транзакции
func (b *MongoBackend) SupportsAtomicAppend() bool {
	return b.config.UseTransactions
}

// Append добавляет события; с транзакциями запись атомарна для любой пачки
func (b *MongoBackend) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []StoredEvent) ([]StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if !b.config.UseTransactions {
		if len(events) > 1 {
			return nil, ErrNonAtomicAppend
		}
		return b.appendDocs(ctx, aggregateID, expectedVersion, events)
	}

	session, err := b.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return b.appendDocs(sc, aggregateID, expectedVersion, events)
	})
	if err != nil {
		return nil, err
	}
	return result.([]StoredEvent), nil
}

func (b *MongoBackend) appendDocs(ctx context.Context, aggregateID string, expectedVersion int64, events []StoredEvent) ([]StoredEvent, error) {
	currentVersion, err := b.currentVersion(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if err := checkExpectedVersion(expectedVersion, currentVersion); err != nil {
		return nil, err
	}

	lastPosition, err := b.reservePositions(ctx, int64(len(events)))
	if err != nil {
		return nil, err
	}
	firstPosition := lastPosition - int64(len(events)) + 1

	now := time.Now().UTC()
	committed := make([]StoredEvent, len(events))
	docs := make([]interface{}, len(events))
	for i, event := range events {
		event.AggregateID = aggregateID
		event.Version = currentVersion + int64(i) + 1
		event.Position = firstPosition + int64(i)
		event.CreatedAt = now
		event.OccurredAt = event.OccurredAt.UTC()
		if event.SchemaVersion < 1 {
			event.SchemaVersion = 1
		}
		committed[i] = event
		docs[i] = event
	}

	if _, err := b.events.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: stream %s changed concurrently", ErrConcurrencyConflict, aggregateID)
		}
		return nil, fmt.Errorf("failed to insert events: %w", err)
	}

	b.totalEvents.Add(int64(len(events)))
	if currentVersion == 0 {
		b.totalAggregates.Add(1)
	}
	return committed, nil
}

func (b *MongoBackend) currentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var last struct {
		Version int64 `bson:"version"`
	}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})
	err := b.events.FindOne(ctx, bson.M{"aggregate_id": aggregateID}, opts).Decode(&last)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to check version: %w", err)
	}
	return last.Version, nil
}

// reservePositions атомарно сдвигает счетчик и возвращает последнюю выданную позицию
func (b *MongoBackend) reservePositions(ctx context.Context, n int64) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	err := b.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": mongoPositionCounter},
		bson.M{"$inc": bson.M{"seq": n}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve positions: %w", err)
	}
	return counter.Seq, nil
}

// GetEvents возвращает события агрегата
func (b *MongoBackend) GetEvents(ctx context.Context, aggregateID string) ([]StoredEvent, error) {
	return b.GetEventsAfter(ctx, aggregateID, 0)
}

// GetEventsAfter возвращает события агрегата новее version
func (b *MongoBackend) GetEventsAfter(ctx context.Context, aggregateID string, version int64) ([]StoredEvent, error) {
	filter := bson.M{
		"aggregate_id": aggregateID,
		"version":      bson.M{"$gt": version},
	}
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	return b.find(ctx, filter, opts)
}

// GetAllEvents возвращает события лога после fromPosition
func (b *MongoBackend) GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]StoredEvent, error) {
	filter := bson.M{"position": bson.M{"$gt": fromPosition}}
	opts := options.Find().SetSort(bson.D{{Key: "position", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return b.find(ctx, filter, opts)
}

func (b *MongoBackend) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]StoredEvent, error) {
	cursor, err := b.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]StoredEvent, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	for i := range result {
		result[i].OccurredAt = result[i].OccurredAt.UTC()
		result[i].CreatedAt = result[i].CreatedAt.UTC()
	}
	return result, nil
}

type mongoSnapshot struct {
	AggregateID string    `bson:"aggregate_id"`
	Version     int64     `bson:"version"`
	Data        []byte    `bson:"data"`
	CreatedAt   time.Time `bson:"created_at"`
}

// SaveSnapshot сохраняет снапшот; снапшот той же версии не перезаписывается
func (b *MongoBackend) SaveSnapshot(ctx context.Context, aggregateID string, data []byte, version int64) error {
	filter := bson.M{"aggregate_id": aggregateID, "version": version}
	update := bson.M{"$setOnInsert": mongoSnapshot{
		AggregateID: aggregateID,
		Version:     version,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}}
	res, err := b.snapshots.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	b.totalSnapshots.Add(res.UpsertedCount)
	return nil
}

// GetLatestSnapshot возвращает последний снапшот
func (b *MongoBackend) GetLatestSnapshot(ctx context.Context, aggregateID string) ([]byte, int64, error) {
	var snap mongoSnapshot
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	err := b.snapshots.FindOne(ctx, bson.M{"aggregate_id": aggregateID}, opts).Decode(&snap)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, 0, ErrSnapshotNotFound
		}
		return nil, 0, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap.Data, snap.Version, nil
}

// Flush ничего не делает: записи подтверждаются сервером
func (b *MongoBackend) Flush(ctx context.Context) error {
	return nil
}

// Stats возвращает счетчики из памяти процесса
func (b *MongoBackend) Stats() BackendStats {
	return BackendStats{
		TotalEvents:     b.totalEvents.Load(),
		TotalAggregates: b.totalAggregates.Load(),
		TotalSnapshots:  b.totalSnapshots.Load(),
		BackendSpecific: map[string]string{
			"backend_type":     "mongodb",
			"database":         b.config.Database,
			"collection":       b.config.Collection,
			"use_transactions": strconv.FormatBool(b.config.UseTransactions),
		},
	}
}

var (
	_ Backend              = (*MongoBackend)(nil)
	_ SnapshotBackend      = (*MongoBackend)(nil)
	_ AtomicityReporter    = (*MongoBackend)(nil)
	_ core.HealthCheckable = (*MongoBackend)(nil)
)
