package eventsourcing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncEngine_PushesAndPulls(t *testing.T) {
	local, remote := newMemoryStore(), newMemoryStore()
	ctx := context.Background()

	require.NoError(t, local.Append(ctx, "acc-1", deposited("acc-1", 1)))
	require.NoError(t, remote.Append(ctx, "acc-2", deposited("acc-2", 2)))

	engine := NewSyncEngine(local, remote, nil)
	report, err := engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Pushed: 1, Pulled: 1}, report)

	pulled, err := local.GetEvents(ctx, "acc-2")
	require.NoError(t, err)
	require.Len(t, pulled, 1)
	pushed, err := remote.GetEvents(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, pushed, 1)

	// собственные копии не возвращаются обратно
	report, err = engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncReport{}, report)
	assert.Equal(t, SyncCursor{LocalPosition: 2, RemotePosition: 2}, engine.Cursor())
}

func TestSyncEngine_LastWriteWins(t *testing.T) {
	local, remote := newMemoryStore(), newMemoryStore()
	ctx := context.Background()

	older := deposited("acc-1", 1)
	require.NoError(t, local.Append(ctx, "acc-1", older))
	time.Sleep(2 * time.Millisecond)
	newer := deposited("acc-1", 2)
	require.NoError(t, remote.Append(ctx, "acc-1", newer))

	report, err := NewSyncEngine(local, remote, LastWriteWins{}).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 0, report.Pushed)
	assert.Equal(t, 1, report.Pulled)

	stream, err := local.GetEvents(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, newer.EventID(), stream[1].ID)
}

func TestSyncEngine_AppendOnlyMerges(t *testing.T) {
	local, remote := newMemoryStore(), newMemoryStore()
	ctx := context.Background()

	require.NoError(t, local.Append(ctx, "acc-1", deposited("acc-1", 1)))
	require.NoError(t, remote.Append(ctx, "acc-1", deposited("acc-1", 2)))

	report, err := NewSyncEngine(local, remote, AppendOnly{}).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Pushed: 1, Pulled: 1, Conflicts: 1}, report)

	for _, store := range []*EventStore{local, remote} {
		stream, err := store.GetEvents(ctx, "acc-1")
		require.NoError(t, err)
		assert.Len(t, stream, 2)
	}
}

func TestSyncEngine_ManualResolverError(t *testing.T) {
	local, remote := newMemoryStore(), newMemoryStore()
	ctx := context.Background()
	require.NoError(t, local.Append(ctx, "acc-1", deposited("acc-1", 1)))
	require.NoError(t, remote.Append(ctx, "acc-1", deposited("acc-1", 2)))

	engine := NewSyncEngine(local, remote, ManualResolver(func(context.Context, string, []StoredEvent, []StoredEvent) ([]StoredEvent, error) {
		return nil, assert.AnError
	}))
	_, err := engine.Sync(ctx)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, SyncCursor{}, engine.Cursor())
}
