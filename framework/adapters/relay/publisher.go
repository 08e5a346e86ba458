// Package relay пересылает записанные события во внешние брокеры сообщений.
package relay

import (
	"context"
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Заголовки, которые публикуются вместе с конвертом события
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderAggregateID   = "aggregate-id"
	HeaderVersion       = "version"
	HeaderPosition      = "position"
	HeaderSchemaVersion = "schema-version"
)

// Publisher публикует события в один брокер
type Publisher interface {
	// Kind возвращает вид брокера (метка метрик и логов)
	Kind() string
	Publish(ctx context.Context, event eventsourcing.StoredEvent) error
	Close() error
}

func encode(event eventsourcing.StoredEvent) ([]byte, error) {
	return codec.Marshal(event)
}

// Decode разбирает тело сообщения, опубликованного relay'ем
func Decode(data []byte) (eventsourcing.StoredEvent, error) {
	var event eventsourcing.StoredEvent
	err := codec.Unmarshal(data, &event)
	return event, err
}

func headers(event eventsourcing.StoredEvent) map[string]string {
	return map[string]string{
		HeaderEventID:       event.ID,
		HeaderEventType:     event.EventType,
		HeaderAggregateID:   event.AggregateID,
		HeaderVersion:       strconv.FormatInt(event.Version, 10),
		HeaderPosition:      strconv.FormatInt(event.Position, 10),
		HeaderSchemaVersion: strconv.Itoa(event.SchemaVersion),
	}
}

// MemoryPublisher накапливает события в памяти (для тестов и demo)
type MemoryPublisher struct {
	mu        sync.Mutex
	published []eventsourcing.StoredEvent
	failWith  error
}

// NewMemoryPublisher создает MemoryPublisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailWith заставляет Publish возвращать err (nil отключает)
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

func (p *MemoryPublisher) Kind() string {
	return "memory"
}

func (p *MemoryPublisher) Publish(ctx context.Context, event eventsourcing.StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, event)
	return nil
}

// Published возвращает копию опубликованных событий
func (p *MemoryPublisher) Published() []eventsourcing.StoredEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]eventsourcing.StoredEvent, len(p.published))
	copy(result, p.published)
	return result
}

func (p *MemoryPublisher) Close() error {
	return nil
}
