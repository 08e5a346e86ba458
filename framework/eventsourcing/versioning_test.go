package eventsourcing

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedPayload(t *testing.T, eventType string, version int, payload map[string]any) StoredEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return StoredEvent{ID: "evt-1", EventType: eventType, SchemaVersion: version, Data: data}
}

func TestVersionRegistry_UpcastChain(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("UserCreated", 1, 2, AddField("email", "")))
	require.NoError(t, registry.RegisterUpcaster("UserCreated", 2, 3, RenameField("name", "full_name")))

	event := storedPayload(t, "UserCreated", 1, map[string]any{"name": "Ann"})
	upcasted := registry.Upcast(event)

	assert.Equal(t, 3, upcasted.SchemaVersion)
	assert.JSONEq(t, `{"full_name":"Ann","email":""}`, string(upcasted.Data))

	// исходное событие не изменяется
	assert.Equal(t, 1, event.SchemaVersion)
	assert.JSONEq(t, `{"name":"Ann"}`, string(event.Data))

	assert.Equal(t, 3, registry.LatestVersion("UserCreated"))
	assert.Equal(t, 2, registry.UpcasterCount())
}

func TestVersionRegistry_StartsFromStoredVersion(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("UserCreated", 1, 2, AddField("email", "none")))
	require.NoError(t, registry.RegisterUpcaster("UserCreated", 2, 3, RemoveField("legacy")))

	event := storedPayload(t, "UserCreated", 2, map[string]any{"legacy": true, "email": "a@b.c"})
	upcasted := registry.Upcast(event)
	assert.Equal(t, 3, upcasted.SchemaVersion)
	assert.JSONEq(t, `{"email":"a@b.c"}`, string(upcasted.Data))
}

func TestVersionRegistry_UnknownTypeUnchanged(t *testing.T) {
	registry := NewVersionRegistry()
	event := storedPayload(t, "Other", 1, map[string]any{"x": 1})
	assert.False(t, registry.NeedsUpcast(event))
	assert.Equal(t, event, registry.Upcast(event))
}

func TestVersionRegistry_RejectsCycles(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("E", 1, 2, RemoveField("a")))
	require.NoError(t, registry.RegisterUpcaster("E", 2, 3, RemoveField("b")))

	err := registry.RegisterUpcaster("E", 3, 1, RemoveField("c"))
	assert.ErrorIs(t, err, ErrUpcasterCycle)

	err = registry.RegisterUpcaster("E", 4, 4, RemoveField("c"))
	assert.ErrorIs(t, err, ErrUpcasterCycle)

	// у другого типа свой граф
	require.NoError(t, registry.RegisterUpcaster("F", 3, 1, RemoveField("c")))
	assert.Equal(t, 3, registry.UpcasterCount())
}

func TestVersionRegistry_RejectsDuplicatesAndInvalid(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("E", 1, 2, RemoveField("a")))

	assert.ErrorIs(t, registry.RegisterUpcaster("E", 1, 3, RemoveField("a")), ErrDuplicateUpcaster)
	assert.ErrorIs(t, registry.RegisterUpcaster("E", 0, 1, RemoveField("a")), ErrInvalidVersion)
	assert.Error(t, registry.RegisterUpcaster("", 1, 2, RemoveField("a")))
	assert.Error(t, registry.RegisterUpcaster("E", 5, 6, nil))
}

func TestVersionRegistry_FailedStepKeepsLastGoodVersion(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("E", 1, 2, AddField("b", 2)))
	require.NoError(t, registry.RegisterUpcaster("E", 2, 3, TransformField("b", func(any) (any, error) {
		return nil, errors.New("bad value")
	})))

	upcasted := registry.Upcast(storedPayload(t, "E", 1, map[string]any{"a": 1}))
	assert.Equal(t, 2, upcasted.SchemaVersion)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(upcasted.Data))
}

func TestVersionRegistry_FailedChainDiscardsPartialChanges(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("UserCreated", 1, 2, AddField("name", "Unknown")))
	require.NoError(t, registry.RegisterUpcaster("UserCreated", 2, 3, Chain(
		RenameField("name", "full_name"),
		TransformField("age", func(any) (any, error) { return nil, errors.New("bad age") }),
	)))

	upcasted := registry.Upcast(storedPayload(t, "UserCreated", 1, map[string]any{"age": 3}))
	assert.Equal(t, 2, upcasted.SchemaVersion)
	assert.JSONEq(t, `{"age":3,"name":"Unknown"}`, string(upcasted.Data))
}

func TestVersionRegistry_UpcastIsIdempotent(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("UserCreated", 1, 2, AddField("email", "")))
	require.NoError(t, registry.RegisterUpcaster("UserCreated", 2, 3, RenameField("name", "full_name")))

	for _, version := range []int{1, 2, 3} {
		once := registry.Upcast(storedPayload(t, "UserCreated", version, map[string]any{"name": "Ann", "tags": []any{"a"}}))
		twice := registry.Upcast(once)
		assert.Equal(t, once, twice, "schema version %d", version)
		assert.Equal(t, 3, twice.SchemaVersion)
	}
}

func TestVersionRegistry_ChainAndMigrations(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("B", 1, 2, Chain(RenameField("x", "y"), AddField("z", "new"))))
	require.NoError(t, registry.RegisterUpcaster("A", 1, 2, RemoveField("q")))

	upcasted := registry.Upcast(storedPayload(t, "B", 1, map[string]any{"x": "v"}))
	assert.JSONEq(t, `{"y":"v","z":"new"}`, string(upcasted.Data))

	assert.Equal(t, []MigrationPath{
		{EventType: "A", FromVersion: 1, ToVersion: 2},
		{EventType: "B", FromVersion: 1, ToVersion: 2},
	}, registry.Migrations())
	assert.Len(t, registry.MigrationsFor("B"), 1)
}

func TestVersionRegistry_PreservesLargeNumbers(t *testing.T) {
	registry := NewVersionRegistry()
	require.NoError(t, registry.RegisterUpcaster("E", 1, 2, AddField("flag", true)))

	event := StoredEvent{EventType: "E", SchemaVersion: 1, Data: []byte(`{"id":9007199254740993}`)}
	upcasted := registry.Upcast(event)
	assert.JSONEq(t, `{"id":9007199254740993,"flag":true}`, string(upcasted.Data))
}
