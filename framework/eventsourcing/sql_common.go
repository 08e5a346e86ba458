package eventsourcing

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // goqu dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // goqu dialect
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite3"

	tableEvents    = "event_store"
	tableSnapshots = "event_snapshots"

	colPosition      = "position"
	colEventID       = "event_id"
	colAggregateID   = "aggregate_id"
	colEventType     = "event_type"
	colSchemaVersion = "schema_version"
	colVersion       = "version"
	colData          = "data"
	colMetadata      = "metadata"
	colOccurredAt    = "occurred_at"
	colCreatedAt     = "created_at"

	aliasCount      = "total"
	aliasAggregates = "aggregates"
)

// eventRow строка таблицы event_store; теги db читают pgx и sqlx
type eventRow struct {
	Position      int64     `db:"position"`
	EventID       string    `db:"event_id"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	SchemaVersion int       `db:"schema_version"`
	Version       int64     `db:"version"`
	Data          []byte    `db:"data"`
	Metadata      []byte    `db:"metadata"`
	OccurredAt    time.Time `db:"occurred_at"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r eventRow) toStored() (StoredEvent, error) {
	stored := StoredEvent{
		ID:            r.EventID,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		SchemaVersion: r.SchemaVersion,
		Data:          r.Data,
		Version:       r.Version,
		Position:      r.Position,
		OccurredAt:    r.OccurredAt.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		if err := codec.Unmarshal(r.Metadata, &stored.Metadata); err != nil {
			return StoredEvent{}, fmt.Errorf("failed to unmarshal metadata of %s: %w", r.EventID, err)
		}
	}
	return stored, nil
}

func rowsToStored(rows []eventRow) ([]StoredEvent, error) {
	result := make([]StoredEvent, 0, len(rows))
	for _, row := range rows {
		stored, err := row.toStored()
		if err != nil {
			return nil, err
		}
		result = append(result, stored)
	}
	return result, nil
}

// eventRecord готовит строку для вставки; position назначает БД
func eventRecord(event StoredEvent, version int64, createdAt time.Time) (goqu.Record, error) {
	var metadata []byte
	if len(event.Metadata) > 0 {
		encoded, err := codec.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata of %s: %w", event.ID, err)
		}
		metadata = encoded
	}
	schemaVersion := event.SchemaVersion
	if schemaVersion < 1 {
		schemaVersion = 1
	}
	data := []byte(event.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	return goqu.Record{
		colEventID:       event.ID,
		colAggregateID:   event.AggregateID,
		colEventType:     event.EventType,
		colSchemaVersion: schemaVersion,
		colVersion:       version,
		colData:          data,
		colMetadata:      metadata,
		colOccurredAt:    event.OccurredAt.UTC(),
		colCreatedAt:     createdAt,
	}, nil
}

func selectEvents(dialect string) *goqu.SelectDataset {
	return goqu.Dialect(dialect).
		From(tableEvents).
		Select(colPosition, colEventID, colAggregateID, colEventType, colSchemaVersion,
			colVersion, colData, colMetadata, colOccurredAt, colCreatedAt)
}

func streamQuery(dialect, aggregateID string, afterVersion int64) (string, []interface{}, error) {
	return selectEvents(dialect).
		Where(
			goqu.C(colAggregateID).Eq(aggregateID),
			goqu.C(colVersion).Gt(afterVersion),
		).
		Order(goqu.I(colVersion).Asc()).
		Prepared(true).
		ToSQL()
}

func logQuery(dialect string, fromPosition int64, limit int) (string, []interface{}, error) {
	ds := selectEvents(dialect).
		Where(goqu.C(colPosition).Gt(fromPosition)).
		Order(goqu.I(colPosition).Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return ds.Prepared(true).ToSQL()
}

func maxVersionQuery(dialect, aggregateID string) (string, []interface{}, error) {
	return goqu.Dialect(dialect).
		From(tableEvents).
		Select(goqu.COALESCE(goqu.MAX(colVersion), 0)).
		Where(goqu.C(colAggregateID).Eq(aggregateID)).
		Prepared(true).
		ToSQL()
}

func insertEventsQuery(dialect string, records []interface{}, returning ...interface{}) (string, []interface{}, error) {
	ds := goqu.Dialect(dialect).
		Insert(tableEvents).
		Rows(records...)
	if len(returning) > 0 {
		ds = ds.Returning(returning...)
	}
	return ds.Prepared(true).ToSQL()
}

func insertSnapshotQuery(dialect, aggregateID string, data []byte, version int64) (string, []interface{}, error) {
	return goqu.Dialect(dialect).
		Insert(tableSnapshots).
		Rows(goqu.Record{
			colAggregateID: aggregateID,
			colVersion:     version,
			colData:        data,
			colCreatedAt:   time.Now().UTC(),
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
}

func latestSnapshotQuery(dialect, aggregateID string) (string, []interface{}, error) {
	return goqu.Dialect(dialect).
		From(tableSnapshots).
		Select(colData, colVersion).
		Where(goqu.C(colAggregateID).Eq(aggregateID)).
		Order(goqu.I(colVersion).Desc()).
		Limit(1).
		Prepared(true).
		ToSQL()
}

func eventCountsQuery(dialect string) (string, []interface{}, error) {
	return goqu.Dialect(dialect).
		From(tableEvents).
		Select(
			goqu.COUNT(goqu.Star()).As(aliasCount),
			goqu.COUNT(goqu.DISTINCT(colAggregateID)).As(aliasAggregates),
		).
		Prepared(true).
		ToSQL()
}

func snapshotCountQuery(dialect string) (string, []interface{}, error) {
	return goqu.Dialect(dialect).
		From(tableSnapshots).
		Select(goqu.COUNT(goqu.Star()).As(aliasCount)).
		Prepared(true).
		ToSQL()
}
