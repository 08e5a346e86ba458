package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	framework "github.com/akriventsev/potter-eventstore"
	"github.com/akriventsev/potter-eventstore/framework/config"
	"github.com/akriventsev/potter-eventstore/framework/events"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
	"github.com/akriventsev/potter-eventstore/framework/saga"
)

const (
	eventDeposited = "MoneyDeposited"
	eventWithdrawn = "MoneyWithdrawn"
)

type moneyEvent struct {
	*events.BaseEvent
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func newMoneyEvent(eventType, account string, amount int64, sagaID string) *moneyEvent {
	base := events.NewBaseEvent(eventType, account).WithCorrelationID(sagaID).WithSchemaVersion(2)
	return &moneyEvent{BaseEvent: base, Amount: amount, Currency: "EUR"}
}

type balances map[string]int64

func foldBalance(state balances, e eventsourcing.StoredEvent) (balances, error) {
	var payload struct {
		Amount int64 `json:"amount"`
	}
	switch e.EventType {
	case eventDeposited:
		if err := e.Decode(&payload); err != nil {
			return state, err
		}
		state[e.AggregateID] += payload.Amount
	case eventWithdrawn:
		if err := e.Decode(&payload); err != nil {
			return state, err
		}
		state[e.AggregateID] -= payload.Amount
	}
	return state, nil
}

// transferSaga переводит amount между счетами; limit имитирует отказ зачисления
func transferSaga(from, to string, amount, limit int64) *saga.SagaDefinition {
	id := "transfer-" + uuid.NewString()

	debit := saga.NewBaseStep("debit").
		WithExecute(func(context.Context) ([]events.Event, error) {
			return []events.Event{newMoneyEvent(eventWithdrawn, from, amount, id)}, nil
		}).
		WithCompensate(func(context.Context) ([]events.Event, error) {
			return []events.Event{newMoneyEvent(eventDeposited, from, amount, id)}, nil
		})

	credit := saga.NewBaseStep("credit").
		WithExecute(func(context.Context) ([]events.Event, error) {
			if amount > limit {
				return nil, fmt.Errorf("amount %d exceeds credit limit %d", amount, limit)
			}
			return []events.Event{newMoneyEvent(eventDeposited, to, amount, id)}, nil
		}).
		WithTimeout(5 * time.Second)

	return saga.NewSagaDefinition(id).AddStep(debit).AddStep(credit)
}

// runDemo прогоняет успешный и откатываемый переводы и пересобирает проекцию
func runDemo(ctx context.Context, cfg config.Config) error {
	engine, err := framework.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Shutdown(context.WithoutCancel(ctx))

	// старые события без валюты получают EUR при чтении
	for _, eventType := range []string{eventDeposited, eventWithdrawn} {
		if err := engine.Versions.RegisterUpcaster(eventType, 1, 2, eventsourcing.AddField("currency", "EUR")); err != nil {
			return err
		}
	}

	projection := eventsourcing.NewFoldProjection("balances", func() balances { return balances{} }, foldBalance)
	if err := engine.Projections.Register(projection); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	seed := events.NewBaseEvent(eventDeposited, "acc-a").WithSchemaVersion(1)
	if err := engine.Store.Append(ctx, "acc-a", &moneyEvent{BaseEvent: seed, Amount: 100}); err != nil {
		return err
	}

	for _, amount := range []int64{30, 500} {
		def := transferSaga("acc-a", "acc-b", amount, 200)
		_, err := engine.Sagas.Execute(ctx, def)
		meta := def.Metadata()
		fmt.Printf("saga %s: amount=%d status=%s steps=%d/%d",
			meta.ID, amount, meta.Status, meta.StepsExecuted, meta.TotalSteps)
		if err != nil {
			fmt.Printf(" error=%q", err)
		}
		fmt.Println()
	}

	if err := engine.Projections.Rebuild(ctx, projection.Name()); err != nil {
		return err
	}
	state := projection.State()
	accounts := make([]string, 0, len(state))
	for account := range state {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		fmt.Printf("balance %s = %d\n", account, state[account])
	}

	fmt.Printf("sagas in history: %d\n", engine.Sagas.HistoryCount())
	return nil
}
