package eventsourcing

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/akriventsev/potter-eventstore/framework/events"
)

type accountEvent struct {
	*events.BaseEvent
	Amount int `json:"amount"`
}

func newAccountEvent(eventType, aggregateID string, amount int) *accountEvent {
	return &accountEvent{
		BaseEvent: events.NewBaseEvent(eventType, aggregateID),
		Amount:    amount,
	}
}

func deposited(aggregateID string, amount int) *accountEvent {
	return newAccountEvent("Deposited", aggregateID, amount)
}

func newMemoryStore() *EventStore {
	return NewEventStore(NewInMemoryBackend(DefaultInMemoryBackendConfig()))
}

// laggyBackend подтверждает запись с задержкой уже после коммита,
// так что подтверждения приходят не в порядке позиций
type laggyBackend struct {
	*InMemoryBackend
}

func (b laggyBackend) Append(ctx context.Context, aggregateID string, expectedVersion int64, envelopes []StoredEvent) ([]StoredEvent, error) {
	committed, err := b.InMemoryBackend.Append(ctx, aggregateID, expectedVersion, envelopes)
	time.Sleep(time.Duration(rand.IntN(2000)) * time.Microsecond)
	return committed, err
}

func newLaggyStore() *EventStore {
	return NewEventStore(laggyBackend{NewInMemoryBackend(DefaultInMemoryBackendConfig())})
}
