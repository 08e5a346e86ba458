package eventsourcing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamQuery_Dialects(t *testing.T) {
	query, args, err := streamQuery(dialectPostgres, "acc-1", 3)
	require.NoError(t, err)
	assert.Contains(t, query, `FROM "event_store"`)
	assert.Contains(t, query, `"aggregate_id" = $1`)
	assert.Contains(t, query, `"version" > $2`)
	assert.Contains(t, query, `ORDER BY "version" ASC`)
	assert.Equal(t, []interface{}{"acc-1", int64(3)}, args)

	query, _, err = streamQuery(dialectSQLite, "acc-1", 3)
	require.NoError(t, err)
	assert.Contains(t, query, "`aggregate_id` = ?")
}

func TestLogQuery_Limit(t *testing.T) {
	query, args, err := logQuery(dialectPostgres, 10, 50)
	require.NoError(t, err)
	assert.Contains(t, query, `"position" > $1`)
	assert.Contains(t, query, "LIMIT $2")
	assert.Len(t, args, 2)

	query, _, err = logQuery(dialectPostgres, 0, 0)
	require.NoError(t, err)
	assert.NotContains(t, query, "LIMIT")
}

func TestEventRecord_Defaults(t *testing.T) {
	now := time.Now().UTC()
	record, err := eventRecord(StoredEvent{ID: "e1", AggregateID: "acc-1", EventType: "Deposited"}, 4, now)
	require.NoError(t, err)
	assert.Equal(t, 1, record[colSchemaVersion])
	assert.Equal(t, []byte("null"), record[colData])
	assert.Nil(t, record[colMetadata])
	assert.Equal(t, int64(4), record[colVersion])

	record, err = eventRecord(StoredEvent{ID: "e2", Metadata: map[string]interface{}{"k": "v"}}, 1, now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(record[colMetadata].([]byte)))
}

func TestEventRow_ToStored(t *testing.T) {
	row := eventRow{
		Position:      7,
		EventID:       "e1",
		AggregateID:   "acc-1",
		EventType:     "Deposited",
		SchemaVersion: 2,
		Version:       3,
		Data:          []byte(`{"amount":1}`),
		Metadata:      []byte(`{"correlation_id":"c"}`),
	}
	stored, err := row.toStored()
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.Position)
	assert.Equal(t, "c", stored.Metadata["correlation_id"])

	row.Metadata = []byte("{broken")
	_, err = row.toStored()
	assert.Error(t, err)
}

func TestLatestSnapshotQuery(t *testing.T) {
	query, args, err := latestSnapshotQuery(dialectPostgres, "acc-1")
	require.NoError(t, err)
	assert.Contains(t, query, `FROM "event_snapshots"`)
	assert.Contains(t, query, `ORDER BY "version" DESC`)
	assert.Equal(t, "acc-1", args[0])
}
