package eventsourcing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	*AggregateRoot
	Balance int `json:"balance"`
}

func newAccount(id string) *account {
	a := &account{}
	a.AggregateRoot = NewAggregateRoot(id, EventApplierFunc(a.apply))
	return a
}

func (a *account) apply(event StoredEvent) error {
	var payload accountEvent
	if err := event.Decode(&payload); err != nil {
		return err
	}
	switch event.EventType {
	case "Deposited":
		a.Balance += payload.Amount
	case "Withdrawn":
		if payload.Amount > a.Balance {
			return errors.New("insufficient funds")
		}
		a.Balance -= payload.Amount
	}
	return nil
}

func (a *account) Deposit(amount int) error {
	return a.RaiseEvent(deposited(a.ID(), amount))
}

func (a *account) Withdraw(amount int) error {
	return a.RaiseEvent(newAccountEvent("Withdrawn", a.ID(), amount))
}

func TestAggregateRoot_RaiseEvent(t *testing.T) {
	a := newAccount("acc-1")
	require.NoError(t, a.Deposit(10))
	require.NoError(t, a.Withdraw(4))

	assert.Equal(t, 6, a.Balance)
	assert.Equal(t, int64(2), a.Version())
	assert.Len(t, a.UncommittedEvents(), 2)

	// отклоненное событие не меняет состояние
	require.Error(t, a.Withdraw(100))
	assert.Equal(t, 6, a.Balance)
	assert.Equal(t, int64(2), a.Version())
	assert.Len(t, a.UncommittedEvents(), 2)

	a.MarkEventsAsCommitted()
	assert.Empty(t, a.UncommittedEvents())
}

func TestLoadFromHistory_DetectsGaps(t *testing.T) {
	a := newAccount("acc-1")
	history := []StoredEvent{
		{EventType: "Deposited", Version: 1, Data: []byte(`{"amount":5}`)},
		{EventType: "Deposited", Version: 3, Data: []byte(`{"amount":5}`)},
	}
	err := LoadFromHistory(a, history)
	assert.ErrorIs(t, err, ErrInvalidVersion)
	assert.Equal(t, int64(1), a.Version())
}

func TestRepository_SaveAndLoad(t *testing.T) {
	store := newMemoryStore()
	repo := NewRepository(store, RepositoryConfig{}, newAccount)
	ctx := context.Background()

	_, err := repo.Load(ctx, "acc-1")
	assert.ErrorIs(t, err, ErrAggregateNotFound)

	a := newAccount("acc-1")
	require.NoError(t, a.Deposit(50))
	require.NoError(t, a.Withdraw(20))
	require.NoError(t, repo.Save(ctx, a))
	assert.Empty(t, a.UncommittedEvents())

	loaded, err := repo.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 30, loaded.Balance)
	assert.Equal(t, int64(2), loaded.Version())

	require.NoError(t, loaded.Deposit(5))
	require.NoError(t, repo.Save(ctx, loaded))

	version, err := repo.GetVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	exists, err := repo.Exists(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRepository_StaleAggregateConflicts(t *testing.T) {
	store := newMemoryStore()
	repo := NewRepository(store, RepositoryConfig{}, newAccount)
	ctx := context.Background()

	a := newAccount("acc-1")
	require.NoError(t, a.Deposit(10))
	require.NoError(t, repo.Save(ctx, a))

	first, err := repo.Load(ctx, "acc-1")
	require.NoError(t, err)
	second, err := repo.Load(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, first.Deposit(1))
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.Deposit(2))
	assert.ErrorIs(t, repo.Save(ctx, second), ErrConcurrencyConflict)
}

func TestRepository_Snapshots(t *testing.T) {
	store := newMemoryStore()
	repo := NewRepository(store, RepositoryConfig{
		UseSnapshots:     true,
		SnapshotStrategy: NewFrequencySnapshotStrategy(2),
	}, newAccount)
	ctx := context.Background()

	a := newAccount("acc-1")
	require.NoError(t, a.Deposit(1))
	require.NoError(t, a.Deposit(2))
	require.NoError(t, repo.Save(ctx, a))

	data, version, err := store.GetLatestSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.JSONEq(t, `{"balance":3}`, string(data))

	require.NoError(t, a.Deposit(4))
	require.NoError(t, repo.Save(ctx, a))

	loaded, err := repo.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Balance)
	assert.Equal(t, int64(3), loaded.Version())
}

func TestRepository_CorruptSnapshotFallsBackToEvents(t *testing.T) {
	store := newMemoryStore()
	repo := NewRepository(store, DefaultRepositoryConfig(), newAccount)
	ctx := context.Background()

	a := newAccount("acc-1")
	require.NoError(t, a.Deposit(9))
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, store.SaveSnapshot(ctx, "acc-1", []byte(`{"balance":"nope"}`), 1))

	loaded, err := repo.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.Balance)
}
