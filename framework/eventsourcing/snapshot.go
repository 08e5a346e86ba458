package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Snapshot представляет снапшот состояния агрегата на момент версии потока
type Snapshot[A any] struct {
	AggregateID string
	Version     int64
	State       A
	CreatedAt   time.Time
}

// SaveSnapshotState сериализует state и сохраняет его как снапшот версии version
func SaveSnapshotState[A any](ctx context.Context, store *EventStore, aggregateID string, state A, version int64) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}
	return store.SaveSnapshot(ctx, aggregateID, data, version)
}

// LoadSnapshot загружает и десериализует последний снапшот агрегата.
// Возвращает ErrSnapshotNotFound или ErrSnapshotsNotSupported, если снапшота нет.
func LoadSnapshot[A any](ctx context.Context, store *EventStore, aggregateID string) (*Snapshot[A], error) {
	data, version, err := store.GetLatestSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if !codec.Valid(data) {
		return nil, fmt.Errorf("snapshot for %s is not valid JSON", aggregateID)
	}

	var state A
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot state: %w", err)
	}
	return &Snapshot[A]{
		AggregateID: aggregateID,
		Version:     version,
		State:       state,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// IsSnapshotMissing сообщает, что снапшота нет по любой из штатных причин
func IsSnapshotMissing(err error) bool {
	return errors.Is(err, ErrSnapshotNotFound) || errors.Is(err, ErrSnapshotsNotSupported)
}

// SnapshotStrategy решает, нужно ли снять снапшот после записи
type SnapshotStrategy interface {
	// ShouldSnapshot получает новую версию потока и число событий с прошлого снапшота
	ShouldSnapshot(version, sinceLast int64) bool
}

// FrequencySnapshotStrategy создает снапшот каждые N событий
type FrequencySnapshotStrategy struct {
	Frequency int64
}

// NewFrequencySnapshotStrategy создает стратегию по частоте
func NewFrequencySnapshotStrategy(frequency int64) *FrequencySnapshotStrategy {
	return &FrequencySnapshotStrategy{Frequency: frequency}
}

func (s *FrequencySnapshotStrategy) ShouldSnapshot(version, sinceLast int64) bool {
	if s.Frequency <= 0 {
		return false
	}
	return sinceLast >= s.Frequency
}

// TimeBasedSnapshotStrategy создает снапшот не чаще одного раза за интервал
type TimeBasedSnapshotStrategy struct {
	Interval time.Duration

	mu           sync.Mutex
	lastSnapshot time.Time
}

// NewTimeBasedSnapshotStrategy создает стратегию по времени
func NewTimeBasedSnapshotStrategy(interval time.Duration) *TimeBasedSnapshotStrategy {
	return &TimeBasedSnapshotStrategy{
		Interval:     interval,
		lastSnapshot: time.Now(),
	}
}

func (s *TimeBasedSnapshotStrategy) ShouldSnapshot(version, sinceLast int64) bool {
	if s.Interval <= 0 || sinceLast == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastSnapshot) >= s.Interval {
		s.lastSnapshot = now
		return true
	}
	return false
}
