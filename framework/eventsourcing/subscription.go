package eventsourcing

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer размер буфера подписки по умолчанию
const DefaultSubscriberBuffer = 256

// Subscription живая подписка на события, записанные через EventStore.
//
// Доставка неблокирующая: если буфер подписки заполнен, новое событие для этой
// подписки отбрасывается, а счетчик Dropped увеличивается. События приходят
// по возрастанию Position, в том числе из разных агрегатов.
type Subscription struct {
	id      uint64
	ch      chan StoredEvent
	dropped atomic.Uint64
	store   *EventStore
	once    sync.Once
}

// C возвращает канал событий. Канал закрывается при Close.
func (s *Subscription) C() <-chan StoredEvent {
	return s.ch
}

// Dropped возвращает количество событий, отброшенных из-за переполнения буфера
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close отписывается и закрывает канал. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.store.unsubscribe(s)
	})
}

// offer выполняет неблокирующую отправку; вызывается под read-lock подписок
func (s *Subscription) offer(event StoredEvent) bool {
	select {
	case s.ch <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
