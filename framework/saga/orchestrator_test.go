package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/potter-eventstore/framework/events"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
)

type transferEvent struct {
	*events.BaseEvent
	Amount int `json:"amount"`
}

func transfer(eventType, account string, amount int) events.Event {
	return &transferEvent{BaseEvent: events.NewBaseEvent(eventType, account), Amount: amount}
}

func newStore() *eventsourcing.EventStore {
	return eventsourcing.NewEventStore(eventsourcing.NewInMemoryBackend(eventsourcing.DefaultInMemoryBackendConfig()))
}

func eventTypes(t *testing.T, store *eventsourcing.EventStore, aggregateID string) []string {
	t.Helper()
	stream, err := store.GetEvents(context.Background(), aggregateID)
	require.NoError(t, err)
	types := make([]string, 0, len(stream))
	for _, e := range stream {
		types = append(types, e.EventType)
	}
	return types
}

func TestSagaOrchestrator_CompletesAllSteps(t *testing.T) {
	store := newStore()
	orchestrator := NewSagaOrchestrator(WithEventStore(store))

	def := NewSagaDefinition("transfer-1").
		AddStep(NewBaseStep("debit").WithExecute(func(ctx context.Context) ([]events.Event, error) {
			return []events.Event{transfer("Debited", "acc-a", 100)}, nil
		})).
		AddStep(NewBaseStep("credit").WithExecute(func(ctx context.Context) ([]events.Event, error) {
			return []events.Event{transfer("Credited", "acc-b", 100)}, nil
		}))

	produced, err := orchestrator.Execute(context.Background(), def)
	require.NoError(t, err)
	require.Len(t, produced, 2)
	assert.Equal(t, "Debited", produced[0].EventType())
	assert.Equal(t, "Credited", produced[1].EventType())

	assert.Equal(t, SagaStatusCompleted, def.Status())
	assert.Equal(t, 2, def.Metadata().StepsExecuted)
	assert.Equal(t, []string{"Debited"}, eventTypes(t, store, "acc-a"))
	assert.Equal(t, []string{"Credited"}, eventTypes(t, store, "acc-b"))

	meta, ok := orchestrator.GetSaga("transfer-1")
	require.True(t, ok)
	assert.Equal(t, SagaStatusCompleted, meta.Status)
	assert.Equal(t, 0, orchestrator.RunningCount())
	assert.Equal(t, 1, orchestrator.HistoryCount())
}

func TestSagaOrchestrator_CompensatesInReverseOrder(t *testing.T) {
	store := newStore()
	orchestrator := NewSagaOrchestrator(WithEventStore(store))

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	step := func(name string) *BaseStep {
		return NewBaseStep(name).
			WithExecute(func(ctx context.Context) ([]events.Event, error) {
				record("exec:" + name)
				return nil, nil
			}).
			WithCompensate(func(ctx context.Context) ([]events.Event, error) {
				record("comp:" + name)
				return nil, nil
			})
	}

	def := NewSagaDefinition("order-1").
		AddStep(step("reserve")).
		AddStep(step("charge")).
		AddStep(NewBaseStep("ship").WithExecute(func(ctx context.Context) ([]events.Event, error) {
			return nil, errors.New("no courier")
		}))

	produced, err := orchestrator.Execute(context.Background(), def)
	require.Error(t, err)
	assert.Nil(t, produced)

	var stepErr *StepFailedError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.StepIndex)
	assert.Equal(t, "ship", stepErr.StepName)
	assert.True(t, IsCompensated(err))

	assert.Equal(t, []string{"exec:reserve", "exec:charge", "comp:charge", "comp:reserve"}, order)
	assert.Equal(t, SagaStatusCompensated, def.Status())
}

func TestSagaOrchestrator_TransferCompensationEvents(t *testing.T) {
	store := newStore()
	orchestrator := NewSagaOrchestrator(WithEventStore(store))

	def := NewSagaDefinition("transfer-2").
		AddStep(NewBaseStep("debit").
			WithExecute(func(ctx context.Context) ([]events.Event, error) {
				return []events.Event{transfer("Debited", "acc-a", 50)}, nil
			}).
			WithCompensate(func(ctx context.Context) ([]events.Event, error) {
				return []events.Event{transfer("Credited", "acc-a", 50)}, nil
			})).
		AddStep(NewBaseStep("credit").WithExecute(func(ctx context.Context) ([]events.Event, error) {
			return nil, errors.New("account closed")
		}))

	_, err := orchestrator.Execute(context.Background(), def)
	require.Error(t, err)
	assert.Equal(t, SagaStatusCompensated, def.Status())
	assert.Equal(t, []string{"Debited", "Credited"}, eventTypes(t, store, "acc-a"))
	assert.Empty(t, eventTypes(t, store, "acc-b"))
}

func TestSagaOrchestrator_StepTimeout(t *testing.T) {
	orchestrator := NewSagaOrchestrator(WithDefaultTimeout(20 * time.Millisecond))

	var compensated atomic.Bool
	def := NewSagaDefinition("slow").
		AddStep(NewBaseStep("first").WithCompensate(func(ctx context.Context) ([]events.Event, error) {
			compensated.Store(true)
			return nil, nil
		})).
		AddStep(NewBaseStep("stuck").WithExecute(func(ctx context.Context) ([]events.Event, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	_, err := orchestrator.Execute(context.Background(), def)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "stuck", timeoutErr.StepName)
	assert.Equal(t, 20*time.Millisecond, timeoutErr.Duration)
	assert.True(t, compensated.Load())
	assert.Equal(t, SagaStatusCompensated, def.Status())
}

func TestSagaOrchestrator_StepTimeoutOverridesDefault(t *testing.T) {
	orchestrator := NewSagaOrchestrator(WithDefaultTimeout(time.Hour))

	def := NewSagaDefinition("override").
		AddStep(NewBaseStep("ignores-ctx").
			WithTimeout(10 * time.Millisecond).
			WithExecute(func(ctx context.Context) ([]events.Event, error) {
				time.Sleep(200 * time.Millisecond)
				return nil, nil
			}))

	start := time.Now()
	_, err := orchestrator.Execute(context.Background(), def)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestSagaOrchestrator_CompensationFailure(t *testing.T) {
	orchestrator := NewSagaOrchestrator()
	compErr := errors.New("refund rejected")
	cause := errors.New("credit failed")

	def := NewSagaDefinition("broken").
		AddStep(NewBaseStep("debit").WithCompensate(func(ctx context.Context) ([]events.Event, error) {
			return nil, compErr
		})).
		AddStep(NewBaseStep("credit").WithExecute(func(ctx context.Context) ([]events.Event, error) {
			return nil, cause
		}))

	_, err := orchestrator.Execute(context.Background(), def)
	var failure *CompensationFailedError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "debit", failure.StepName)
	assert.ErrorIs(t, err, compErr)
	assert.ErrorIs(t, failure.Cause, cause)
	assert.True(t, IsCompensationFailure(err))
	assert.False(t, IsCompensated(err))
	assert.Equal(t, SagaStatusFailed, def.Status())
}

func TestSagaOrchestrator_RejectsConcurrentSameID(t *testing.T) {
	orchestrator := NewSagaOrchestrator()

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := NewSagaDefinition("dup").
		AddStep(NewBaseStep("wait").WithExecute(func(ctx context.Context) ([]events.Event, error) {
			close(entered)
			<-release
			return nil, nil
		}))

	done := make(chan error, 1)
	go func() {
		_, err := orchestrator.Execute(context.Background(), blocking)
		done <- err
	}()
	<-entered

	running := orchestrator.GetRunningSagas()
	require.Len(t, running, 1)
	assert.Equal(t, SagaStatusExecuting, running[0].Status)

	_, err := orchestrator.Execute(context.Background(), NewSagaDefinition("dup"))
	assert.ErrorIs(t, err, ErrAlreadyExecuting)

	close(release)
	require.NoError(t, <-done)

	// после завершения тот же id можно запустить новым определением
	_, err = orchestrator.Execute(context.Background(), NewSagaDefinition("dup"))
	require.NoError(t, err)
	assert.Equal(t, 2, orchestrator.HistoryCount())
}

func TestSagaOrchestrator_DefinitionIsSingleUse(t *testing.T) {
	orchestrator := NewSagaOrchestrator()
	def := NewSagaDefinition("")
	assert.NotEmpty(t, def.ID())

	_, err := orchestrator.Execute(context.Background(), def)
	require.NoError(t, err)
	_, err = orchestrator.Execute(context.Background(), def)
	assert.ErrorIs(t, err, ErrSagaConsumed)

	_, err = orchestrator.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilDefinition)
}

func TestSagaOrchestrator_RetriesStep(t *testing.T) {
	orchestrator := NewSagaOrchestrator()
	transient := errors.New("transient")

	var attempts atomic.Int32
	def := NewSagaDefinition("retry").
		AddStep(NewBaseStep("flaky").
			WithRetry(SimpleRetry(3, time.Millisecond)).
			WithExecute(func(ctx context.Context) ([]events.Event, error) {
				if attempts.Add(1) < 3 {
					return nil, transient
				}
				return nil, nil
			}))

	_, err := orchestrator.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSagaOrchestrator_LifecycleEvents(t *testing.T) {
	store := newStore()
	orchestrator := NewSagaOrchestrator(WithEventStore(store), WithLifecycleEvents(true))

	_, err := orchestrator.Execute(context.Background(), NewSagaDefinition("audited"))
	require.NoError(t, err)
	assert.Equal(t, []string{EventSagaStarted, EventSagaCompleted}, eventTypes(t, store, StreamID("audited")))
}

func TestSagaOrchestrator_HistoryLimit(t *testing.T) {
	orchestrator := NewSagaOrchestrator(WithHistoryLimit(2))
	for _, id := range []string{"a", "b", "c"} {
		_, err := orchestrator.Execute(context.Background(), NewSagaDefinition(id))
		require.NoError(t, err)
	}

	history := orchestrator.GetHistory()
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].ID)
	assert.Equal(t, "c", history[1].ID)

	_, ok := orchestrator.GetSaga("a")
	assert.False(t, ok)
}

func TestSagaOrchestrator_CompensationIgnoresCallerCancel(t *testing.T) {
	orchestrator := NewSagaOrchestrator()
	ctx, cancel := context.WithCancel(context.Background())

	var compensated atomic.Bool
	def := NewSagaDefinition("cancelled").
		AddStep(NewBaseStep("first").WithCompensate(func(ctx context.Context) ([]events.Event, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			compensated.Store(true)
			return nil, nil
		})).
		AddStep(NewBaseStep("cancel").WithExecute(func(context.Context) ([]events.Event, error) {
			cancel()
			return nil, errors.New("aborted")
		}))

	_, err := orchestrator.Execute(ctx, def)
	require.Error(t, err)
	assert.True(t, compensated.Load())
	assert.Equal(t, SagaStatusCompensated, def.Status())
}

func TestSagaOrchestrator_CompensatesPartiallyRecordedStep(t *testing.T) {
	store := eventsourcing.NewEventStore(eventsourcing.NewInMemoryBackend(eventsourcing.InMemoryBackendConfig{MaxEventsPerStream: 1}))
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "acc-b", transfer("Opened", "acc-b", 0)))

	orchestrator := NewSagaOrchestrator(WithEventStore(store))
	var compensated atomic.Bool
	step := NewBaseStep("move").
		WithExecute(func(ctx context.Context) ([]events.Event, error) {
			return []events.Event{transfer("Debited", "acc-a", 10), transfer("Credited", "acc-b", 10)}, nil
		}).
		WithCompensate(func(ctx context.Context) ([]events.Event, error) {
			compensated.Store(true)
			return nil, nil
		})
	def := NewSagaDefinition("move-1").AddStep(step)

	_, err := orchestrator.Execute(ctx, def)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventsourcing.ErrStreamLimitExceeded)

	var stepErr *StepFailedError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 0, stepErr.StepIndex)

	// Debited уже в логе, поэтому компенсация шага обязана выполниться
	assert.Equal(t, []string{"Debited"}, eventTypes(t, store, "acc-a"))
	assert.True(t, compensated.Load())
	assert.True(t, IsCompensated(err))
	assert.Equal(t, SagaStatusCompensated, def.Status())
}

func TestSagaOrchestrator_SkipsCompensationWhenNothingRecorded(t *testing.T) {
	store := eventsourcing.NewEventStore(eventsourcing.NewInMemoryBackend(eventsourcing.InMemoryBackendConfig{MaxEventsPerStream: 1}))
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "acc-b", transfer("Opened", "acc-b", 0)))

	orchestrator := NewSagaOrchestrator(WithEventStore(store))
	var compensated atomic.Bool
	step := NewBaseStep("credit").
		WithExecute(func(ctx context.Context) ([]events.Event, error) {
			return []events.Event{transfer("Credited", "acc-b", 10)}, nil
		}).
		WithCompensate(func(ctx context.Context) ([]events.Event, error) {
			compensated.Store(true)
			return nil, nil
		})

	_, err := orchestrator.Execute(ctx, NewSagaDefinition("credit-1").AddStep(step))
	require.Error(t, err)
	assert.False(t, compensated.Load())
	assert.True(t, IsCompensated(err))
}
