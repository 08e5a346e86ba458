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
)

func balanceProjection(name string) *FoldProjection[map[string]int] {
	return NewFoldProjection(name,
		func() map[string]int { return map[string]int{} },
		func(state map[string]int, event StoredEvent) (map[string]int, error) {
			var payload accountEvent
			if err := event.Decode(&payload); err != nil {
				return state, err
			}
			next := make(map[string]int, len(state)+1)
			for k, v := range state {
				next[k] = v
			}
			switch event.EventType {
			case "Deposited":
				next[event.AggregateID] += payload.Amount
			case "Withdrawn":
				next[event.AggregateID] -= payload.Amount
			}
			return next, nil
		},
	)
}

func TestProjectionRegistry_RegisterRejectsDuplicates(t *testing.T) {
	registry := NewProjectionRegistry(newMemoryStore())

	require.NoError(t, registry.Register(balanceProjection("balances")))
	err := registry.Register(balanceProjection("balances"))
	assert.ErrorIs(t, err, ErrProjectionExists)
	assert.Equal(t, 1, registry.Count())

	_, ok := registry.Get("balances")
	assert.True(t, ok)

	require.NoError(t, registry.Unregister("balances"))
	assert.ErrorIs(t, registry.Unregister("balances"), ErrProjectionNotFound)
}

func TestProjectionRegistry_AppliesLiveEvents(t *testing.T) {
	store := newMemoryStore()
	registry := NewProjectionRegistry(store).WithCatchUpInterval(10 * time.Millisecond)
	balances := balanceProjection("balances")
	require.NoError(t, registry.Register(balances))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, registry.Start(ctx))
	defer registry.Stop(context.Background())
	assert.ErrorIs(t, registry.Start(ctx), ErrRegistryRunning)

	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 100)))
	require.NoError(t, store.Append(ctx, "acc-1", newAccountEvent("Withdrawn", "acc-1", 30)))
	require.NoError(t, store.Append(ctx, "acc-2", deposited("acc-2", 5)))

	require.NoError(t, registry.WaitForPosition(ctx, "balances", 3))
	assert.Equal(t, map[string]int{"acc-1": 70, "acc-2": 5}, balances.State())

	meta, err := registry.GetMetadata("balances")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Position.Version)
	assert.False(t, meta.Rebuilding)
}

func TestProjectionRegistry_CatchesUpHistoryOnStart(t *testing.T) {
	store := newMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 10), deposited("acc-1", 20)))

	checkpoints := NewInMemoryCheckpointStore()
	registry := NewProjectionRegistry(store).WithCheckpointStore(checkpoints)
	balances := balanceProjection("balances")
	require.NoError(t, registry.Register(balances))
	require.NoError(t, registry.Start(ctx))
	defer registry.Stop(context.Background())

	require.NoError(t, registry.WaitForPosition(ctx, "balances", 2))
	assert.Equal(t, 30, balances.State()["acc-1"])

	cp, found, err := checkpoints.GetCheckpoint(ctx, "balances")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), cp.LogPosition)
	assert.Equal(t, int64(2), cp.Version)
}

func TestProjectionRegistry_RecoversDroppedEvents(t *testing.T) {
	store := newMemoryStore()
	registry := NewProjectionRegistry(store).
		WithSubscriberBuffer(1).
		WithCatchUpInterval(10 * time.Millisecond)

	applied := make(chan struct{})
	slow := NewProjectionBuilder("slow").
		OnEvent("Deposited", func(ctx context.Context, event StoredEvent) error {
			<-applied
			return nil
		}).
		Build()
	require.NoError(t, registry.Register(slow))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, registry.Start(ctx))
	defer registry.Stop(context.Background())

	for i := 0; i < 20; i++ {
		require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", i)))
	}
	close(applied)

	require.NoError(t, registry.WaitForPosition(ctx, "slow", 20))
	meta, err := registry.GetMetadata("slow")
	require.NoError(t, err)
	assert.Equal(t, int64(20), meta.Position.Version)
}

func TestProjectionRegistry_Rebuild(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	registry := NewProjectionRegistry(store)
	balances := balanceProjection("balances")
	require.NoError(t, registry.Register(balances))

	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 1), deposited("acc-1", 2)))
	require.NoError(t, store.Append(ctx, "acc-2", deposited("acc-2", 3)))

	require.NoError(t, registry.Rebuild(ctx, "balances"))
	assert.Equal(t, map[string]int{"acc-1": 3, "acc-2": 3}, balances.State())

	// повторный rebuild начинает с чистого состояния
	require.NoError(t, registry.Rebuild(ctx, "balances"))
	assert.Equal(t, map[string]int{"acc-1": 3, "acc-2": 3}, balances.State())

	meta, err := registry.GetMetadata("balances")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Position.Version)

	assert.ErrorIs(t, registry.Rebuild(ctx, "missing"), ErrProjectionNotFound)
}

func TestProjectionRegistry_RebuildCountsApplyErrors(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	registry := NewProjectionRegistry(store)

	count := 0
	projection := NewProjectionBuilder("picky").
		OnEvent("Deposited", func(ctx context.Context, event StoredEvent) error {
			if event.Version == 2 {
				return errors.New("cannot apply")
			}
			count++
			return nil
		}).
		OnReset(func(context.Context) error {
			count = 0
			return nil
		}).
		Build()
	require.NoError(t, registry.Register(projection))
	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 1), deposited("acc-1", 2), deposited("acc-1", 3)))

	require.NoError(t, registry.Rebuild(ctx, "picky"))
	assert.Equal(t, 2, count)

	meta, err := registry.GetMetadata("picky")
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.ErrorCount)
	assert.Equal(t, "cannot apply", meta.LastError)
	assert.Equal(t, int64(2), meta.Position.Version)

	// повторный rebuild не накапливает ошибки и версию прошлых прогонов
	require.NoError(t, registry.Rebuild(ctx, "picky"))
	again, err := registry.GetMetadata("picky")
	require.NoError(t, err)
	assert.Equal(t, meta.ErrorCount, again.ErrorCount)
	assert.Equal(t, meta.LastError, again.LastError)
	assert.Equal(t, meta.Position.Version, again.Position.Version)
}

func TestProjectionRegistry_RebuildResetsVersionAfterLiveErrors(t *testing.T) {
	store := newMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	failing := true
	var mu sync.Mutex
	projection := NewProjectionBuilder("flaky").
		OnEvent("Deposited", func(ctx context.Context, event StoredEvent) error {
			mu.Lock()
			defer mu.Unlock()
			if failing && event.Version == 1 {
				return errors.New("not ready")
			}
			return nil
		}).
		Build()

	registry := NewProjectionRegistry(store).WithCatchUpInterval(10 * time.Millisecond)
	require.NoError(t, registry.Register(projection))
	require.NoError(t, registry.Start(ctx))
	defer registry.Stop(context.Background())

	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 1), deposited("acc-1", 2)))
	require.NoError(t, registry.WaitForPosition(ctx, "flaky", 1))
	require.Eventually(t, func() bool {
		meta, err := registry.GetMetadata("flaky")
		return err == nil && meta.ErrorCount == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	failing = false
	mu.Unlock()

	require.NoError(t, registry.Rebuild(ctx, "flaky"))
	meta, err := registry.GetMetadata("flaky")
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.Position.Version)
	assert.Zero(t, meta.ErrorCount)
	assert.Empty(t, meta.LastError)
}

func TestProjectionRegistry_ConcurrentCrossStreamAppends(t *testing.T) {
	store := newLaggyStore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry := NewProjectionRegistry(store).WithCatchUpInterval(10 * time.Millisecond)
	var order []int64
	var mu sync.Mutex
	tracker := NewProjectionBuilder("tracker").
		OnEvent("Deposited", func(ctx context.Context, event StoredEvent) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, event.Position)
			return nil
		}).
		Build()
	balances := balanceProjection("balances")
	require.NoError(t, registry.Register(balances))
	require.NoError(t, registry.Register(tracker))
	require.NoError(t, registry.Start(ctx))
	defer registry.Stop(context.Background())

	const writers, perWriter = 8, 20
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

	require.NoError(t, registry.WaitForPosition(ctx, "balances", writers*perWriter))
	require.NoError(t, registry.WaitForPosition(ctx, "tracker", writers*perWriter))

	state := balances.State()
	total := 0
	for _, v := range state {
		total += v
	}
	assert.Equal(t, writers*perWriter, total)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, writers*perWriter)
	for i, p := range order {
		assert.Equal(t, int64(i+1), p)
	}
}

func TestProjectionRegistry_ConcurrentRebuildRejected(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	registry := NewProjectionRegistry(store)

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := NewProjectionBuilder("blocking").
		OnReset(func(context.Context) error {
			close(entered)
			<-release
			return nil
		}).
		Build()
	require.NoError(t, registry.Register(blocking))

	done := make(chan error, 1)
	go func() { done <- registry.Rebuild(ctx, "blocking") }()
	<-entered

	meta, err := registry.GetMetadata("blocking")
	require.NoError(t, err)
	assert.True(t, meta.Rebuilding)
	assert.ErrorIs(t, registry.Rebuild(ctx, "blocking"), ErrRebuildInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestProjectionRegistry_RebuildUsesUpcasters(t *testing.T) {
	versions := NewVersionRegistry()
	require.NoError(t, versions.RegisterUpcaster("Deposited", 1, 2, RenameField("amount", "cents")))

	store := newMemoryStore().WithVersionRegistry(versions)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "acc-1", deposited("acc-1", 7)))

	var seen []int
	registry := NewProjectionRegistry(store)
	require.NoError(t, registry.Register(NewProjectionBuilder("cents").
		OnEvent("Deposited", func(ctx context.Context, event StoredEvent) error {
			seen = append(seen, event.SchemaVersion)
			var payload struct {
				Cents int `json:"cents"`
			}
			if err := event.Decode(&payload); err != nil {
				return err
			}
			seen = append(seen, payload.Cents)
			return nil
		}).
		Build()))

	require.NoError(t, registry.Rebuild(ctx, "cents"))
	assert.Equal(t, []int{2, 7}, seen)
}

func TestProjectionRegistry_GetAllMetadataSorted(t *testing.T) {
	registry := NewProjectionRegistry(newMemoryStore())
	require.NoError(t, registry.Register(balanceProjection("b")))
	require.NoError(t, registry.Register(balanceProjection("a")))

	all := registry.GetAllMetadata()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "b", all[1].Name)
}
