package eventsourcing

import (
	"context"
	"errors"
	"fmt"
)

// ReplayHandler интерфейс для обработчиков replay событий
type ReplayHandler interface {
	// HandleEvent обрабатывает событие при replay
	HandleEvent(ctx context.Context, event StoredEvent) error
}

// ReplayHandlerFunc адаптер функции к ReplayHandler
type ReplayHandlerFunc func(ctx context.Context, event StoredEvent) error

func (f ReplayHandlerFunc) HandleEvent(ctx context.Context, event StoredEvent) error {
	return f(ctx, event)
}

// ReplayOptions опции для replay операций
type ReplayOptions struct {
	BatchSize    int
	FromPosition int64
	StopOnError  bool
}

// DefaultReplayOptions возвращает опции по умолчанию
func DefaultReplayOptions() ReplayOptions {
	return ReplayOptions{
		BatchSize:   1000,
		StopOnError: true,
	}
}

// ReplayResult итог replay
type ReplayResult struct {
	Processed    int64
	Failed       int64
	LastPosition int64
}

// ReadAll читает весь лог пачками начиная после fromPosition и передает каждое
// событие (после upcasting) в fn. Ошибка fn прерывает чтение.
func (s *EventStore) ReadAll(ctx context.Context, fromPosition int64, batchSize int, fn func(StoredEvent) error) error {
	if batchSize <= 0 {
		batchSize = DefaultReplayOptions().BatchSize
	}

	position := fromPosition
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.backend.GetAllEvents(ctx, position, batchSize)
		if err != nil {
			return fmt.Errorf("failed to read events after position %d: %w", position, err)
		}
		for _, event := range batch {
			if err := fn(s.upcastOne(event)); err != nil {
				return err
			}
			position = event.Position
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

// Replay проигрывает лог через handler согласно опциям
func (s *EventStore) Replay(ctx context.Context, handler ReplayHandler, options ReplayOptions) (ReplayResult, error) {
	var result ReplayResult
	var failures []error

	err := s.ReadAll(ctx, options.FromPosition, options.BatchSize, func(event StoredEvent) error {
		if err := handler.HandleEvent(ctx, event); err != nil {
			result.Failed++
			wrapped := fmt.Errorf("event %s at position %d: %w", event.ID, event.Position, err)
			if options.StopOnError {
				return wrapped
			}
			failures = append(failures, wrapped)
			return nil
		}
		result.Processed++
		result.LastPosition = event.Position
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, errors.Join(failures...)
}

func (s *EventStore) upcastOne(event StoredEvent) StoredEvent {
	if s.versions == nil {
		return event
	}
	return s.versions.Upcast(event)
}
