package eventsourcing

import (
	"math"
	"sort"
	"sync"
)

// sequencer выпускает записанные события подписчикам по возрастанию глобальной позиции.
//
// Backend присваивает позиции при записи, а подтверждения записей в разные агрегаты
// возвращаются в произвольном порядке. Событие за дыркой в позициях придерживается,
// пока жива хотя бы одна запись, начатая до его подтверждения: только она может
// получить меньшую позицию. Когда таких записей не осталось, дырка считается
// постоянной (откат транзакции, запись из другого процесса) и событие выпускается.
type sequencer struct {
	mu       sync.Mutex
	ticket   uint64
	inflight map[uint64]struct{}
	last     int64
	pending  []pendingEvent
}

type pendingEvent struct {
	event StoredEvent
	// barrier первый билет, выданный после подтверждения записи
	barrier uint64
}

func newSequencer() *sequencer {
	return &sequencer{inflight: make(map[uint64]struct{})}
}

// begin регистрирует запись до обращения к backend'у и возвращает ее билет
func (q *sequencer) begin() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ticket++
	q.inflight[q.ticket] = struct{}{}
	return q.ticket
}

// done завершает запись. committed пуст, если запись не удалась.
// Готовые события передаются в deliver под блокировкой, поэтому вызовы deliver
// не пересекаются и идут в порядке позиций.
func (q *sequencer) done(ticket uint64, committed []StoredEvent, deliver func([]StoredEvent)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, ticket)
	barrier := q.ticket + 1
	for _, e := range committed {
		q.pending = append(q.pending, pendingEvent{event: e, barrier: barrier})
	}
	if len(q.pending) == 0 {
		return
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].event.Position < q.pending[j].event.Position
	})

	oldest := q.oldestInflight()
	n := 0
	for ; n < len(q.pending); n++ {
		p := q.pending[n]
		if p.event.Position > q.last+1 && oldest < p.barrier {
			break
		}
		if p.event.Position > q.last {
			q.last = p.event.Position
		}
	}
	if n == 0 {
		return
	}

	ready := make([]StoredEvent, n)
	for i := range ready {
		ready[i] = q.pending[i].event
	}
	q.pending = append(q.pending[:0], q.pending[n:]...)
	deliver(ready)
}

// held возвращает число придержанных событий
func (q *sequencer) held() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *sequencer) oldestInflight() uint64 {
	oldest := uint64(math.MaxUint64)
	for t := range q.inflight {
		if t < oldest {
			oldest = t
		}
	}
	return oldest
}
