package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/events"
)

func TestEventStore_AppendAssignsVersionsAndPositions(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	committed, err := store.AppendExpected(ctx, "acc-1", 0, deposited("acc-1", 10), deposited("acc-1", 5))
	require.NoError(t, err)
	require.Len(t, committed, 2)
	assert.Equal(t, int64(1), committed[0].Version)
	assert.Equal(t, int64(2), committed[1].Version)
	assert.Equal(t, int64(1), committed[0].Position)
	assert.Equal(t, int64(2), committed[1].Position)

	require.NoError(t, store.Append(ctx, "acc-2", deposited("acc-2", 1)))

	stream, err := store.GetEvents(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, stream, 2)

	var payload accountEvent
	require.NoError(t, stream[1].Decode(&payload))
	assert.Equal(t, 5, payload.Amount)

	all, err := store.GetAllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "acc-2", all[2].AggregateID)
	assert.Equal(t, int64(3), all[2].Position)
}

func TestEventStore_ExpectedVersionConflict(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	_, err := store.AppendExpected(ctx, "acc-1", 0, deposited("acc-1", 1))
	require.NoError(t, err)

	_, err = store.AppendExpected(ctx, "acc-1", 0, deposited("acc-1", 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))

	var conflict *VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Actual)
	assert.True(t, core.HasCode(err, core.ErrConflict))

	stream, err := store.GetEvents(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, stream, 1)
}

func TestEventStore_ConcurrentAppendSameVersion(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendExpected(ctx, "acc-1", 0, deposited("acc-1", 1))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrConcurrencyConflict)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestEventStore_ConcurrentBatchesDoNotInterleave(t *testing.T) {
	store := newLaggyStore()
	ctx := context.Background()

	const writers, batch = 6, 4
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evts := make([]events.Event, batch)
			for i := range evts {
				evts[i] = deposited("acc-1", w)
			}
			_, err := store.AppendExpected(ctx, "acc-1", AnyVersion, evts...)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stream, err := store.GetEvents(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, stream, writers*batch)
	for i := 0; i < len(stream); i += batch {
		var head accountEvent
		require.NoError(t, stream[i].Decode(&head))
		for j := i; j < i+batch; j++ {
			var payload accountEvent
			require.NoError(t, stream[j].Decode(&payload))
			assert.Equal(t, head.Amount, payload.Amount, "batch split at version %d", stream[j].Version)
			assert.Equal(t, int64(j+1), stream[j].Version)
		}
	}
}

func TestEventStore_GetEventsAfter(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "order-1",
		newAccountEvent("OrderCreated", "order-1", 1),
		newAccountEvent("OrderPaid", "order-1", 1),
		newAccountEvent("OrderShipped", "order-1", 1),
	))
	require.NoError(t, store.Append(ctx, "order-2", newAccountEvent("OrderCreated", "order-2", 1)))

	tail, err := store.GetEventsAfter(ctx, "order-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "OrderPaid", tail[0].EventType)
	assert.Equal(t, int64(2), tail[0].Version)
	assert.Equal(t, "OrderShipped", tail[1].EventType)

	tail, err = store.GetEventsAfter(ctx, "order-1", 3)
	require.NoError(t, err)
	assert.Empty(t, tail)

	tail, err = store.Backend().GetEventsAfter(ctx, "order-1", 1)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestEventStore_CrossStreamDeliveryFollowsPositions(t *testing.T) {
	store := newLaggyStore()
	ctx := context.Background()

	const writers, perWriter = 8, 20
	sub := store.SubscribeWithBuffer(writers * perWriter)
	defer sub.Close()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("acc-%d", w)
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, store.Append(ctx, id, deposited(id, 1)))
			}
		}()
	}
	wg.Wait()

	for want := int64(1); want <= writers*perWriter; want++ {
		select {
		case event := <-sub.C():
			require.Equal(t, want, event.Position)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for position %d", want)
		}
	}
	assert.Zero(t, sub.Dropped())
	assert.Zero(t, store.seq.held())
}

func TestEventStore_RejectsEmptyAggregateID(t *testing.T) {
	store := newMemoryStore()
	_, err := store.AppendExpected(context.Background(), "", AnyVersion, deposited("", 1))
	assert.ErrorIs(t, err, ErrEmptyAggregateID)
}

func TestEventStore_EmptyAppendIsNoop(t *testing.T) {
	store := newMemoryStore()
	committed, err := store.AppendExpected(context.Background(), "acc-1", 5)
	require.NoError(t, err)
	assert.Empty(t, committed)
	assert.Equal(t, int64(0), store.Stats().TotalEvents)
}

func TestEventStore_StreamLimit(t *testing.T) {
	store := NewEventStore(NewInMemoryBackend(InMemoryBackendConfig{MaxEventsPerStream: 2}))
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 1), deposited("acc-1", 2)))
	err := store.Append(ctx, "acc-1", deposited("acc-1", 3))
	assert.ErrorIs(t, err, ErrStreamLimitExceeded)
}

func TestEventStore_SubscribersReceiveInOrder(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	first := store.Subscribe()
	second := store.Subscribe()
	defer first.Close()
	defer second.Close()
	assert.Equal(t, 2, store.SubscriberCount())

	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 1), deposited("acc-1", 2)))
	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 3)))

	for _, sub := range []*Subscription{first, second} {
		for want := int64(1); want <= 3; want++ {
			select {
			case event := <-sub.C():
				assert.Equal(t, want, event.Version)
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for version %d", want)
			}
		}
	}
}

func TestEventStore_FullSubscriberDropsNewest(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	slow := store.SubscribeWithBuffer(1)
	defer slow.Close()

	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 1)))
	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 2)))
	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 3)))

	assert.Equal(t, uint64(2), slow.Dropped())
	event := <-slow.C()
	assert.Equal(t, int64(1), event.Version)

	// запись не блокируется медленным подписчиком
	stream, err := store.GetEvents(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, stream, 3)
}

func TestEventStore_UnsubscribeClosesChannel(t *testing.T) {
	store := newMemoryStore()
	sub := store.Subscribe()
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, store.SubscriberCount())
}

func TestEventStore_CloseRejectsAppends(t *testing.T) {
	store := newMemoryStore()
	sub := store.Subscribe()

	require.NoError(t, store.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)

	err := store.Append(context.Background(), "acc-1", deposited("acc-1", 1))
	assert.ErrorIs(t, err, ErrStoreClosed)

	late := store.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestEventStore_Snapshots(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	_, _, err := store.GetLatestSnapshot(ctx, "acc-1")
	assert.True(t, IsSnapshotMissing(err))

	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 1), deposited("acc-1", 2)))

	err = store.SaveSnapshot(ctx, "acc-1", []byte(`{"balance":3}`), 5)
	assert.ErrorIs(t, err, ErrInvalidVersion)

	require.NoError(t, store.SaveSnapshot(ctx, "acc-1", []byte(`{"balance":3}`), 2))
	require.NoError(t, store.SaveSnapshot(ctx, "acc-1", []byte(`{"balance":1}`), 1))

	data, version, err := store.GetLatestSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.JSONEq(t, `{"balance":3}`, string(data))
}

func TestEventStore_TypedSnapshot(t *testing.T) {
	type balance struct {
		Amount int `json:"amount"`
	}
	store := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 7)))

	require.NoError(t, SaveSnapshotState(ctx, store, "acc-1", balance{Amount: 7}, 1))
	snap, err := LoadSnapshot[balance](ctx, store, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 7, snap.State.Amount)
	assert.Equal(t, int64(1), snap.Version)
}

func TestEventStore_ReadAllPagesThroughLog(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", i)))
	}

	var positions []int64
	err := store.ReadAll(ctx, 2, 2, func(event StoredEvent) error {
		positions = append(positions, event.Position)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, positions)
}

func TestEventStore_ReplayCollectsFailures(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 1), deposited("acc-1", 2), deposited("acc-1", 3)))

	handler := ReplayHandlerFunc(func(ctx context.Context, event StoredEvent) error {
		if event.Version == 2 {
			return errors.New("boom")
		}
		return nil
	})

	opts := DefaultReplayOptions()
	opts.StopOnError = false
	result, err := store.Replay(ctx, handler, opts)
	require.Error(t, err)
	assert.Equal(t, int64(2), result.Processed)
	assert.Equal(t, int64(1), result.Failed)
	assert.Equal(t, int64(3), result.LastPosition)

	result, err = store.Replay(ctx, handler, DefaultReplayOptions())
	require.Error(t, err)
	assert.Equal(t, int64(1), result.Processed)
}

func TestEventTypeRegistry_Deserialize(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	e := deposited("acc-1", 42)
	e.WithCorrelationID("corr-1")
	require.NoError(t, store.Append(ctx, "acc-1", e))

	stream, err := store.GetEvents(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, e.EventID(), stream[0].ID)
	assert.Equal(t, "corr-1", events.EventMetadata(stream[0].Metadata).CorrelationID())

	registry := NewEventTypeRegistry()
	registry.Register("Deposited", accountEvent{})
	v, err := registry.DeserializeEvent(stream[0])
	require.NoError(t, err)
	assert.Equal(t, 42, v.(*accountEvent).Amount)

	_, err = registry.DeserializeEvent(StoredEvent{EventType: "Unknown"})
	assert.Error(t, err)
}
