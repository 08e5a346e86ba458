package eventsourcing

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/akriventsev/potter-eventstore/framework/core"
)

var (
	// ErrDuplicateUpcaster возникает при повторной регистрации ребра (тип, исходная версия)
	ErrDuplicateUpcaster = errors.New("upcaster already registered for event type and version")
	// ErrUpcasterCycle возникает, если новое ребро замыкает цикл версий
	ErrUpcasterCycle = errors.New("upcaster would create a version cycle")
)

// UpcastFunc чистое преобразование payload события в следующую версию схемы.
// Числа в payload представлены как json.Number.
type UpcastFunc func(payload map[string]any) (map[string]any, error)

// MigrationPath описывает одно зарегистрированное ребро миграции
type MigrationPath struct {
	EventType   string
	FromVersion int
	ToVersion   int
}

type upcastEdge struct {
	to int
	fn UpcastFunc
}

// VersionRegistry хранит ребра upcasting'а и приводит старые события к актуальной схеме при чтении.
// Записываемые события не изменяются.
type VersionRegistry struct {
	mu     sync.RWMutex
	edges  map[string]map[int]upcastEdge
	logger core.Logger
}

// NewVersionRegistry создает пустой реестр
func NewVersionRegistry() *VersionRegistry {
	return &VersionRegistry{
		edges:  make(map[string]map[int]upcastEdge),
		logger: core.NopLogger{},
	}
}

// WithLogger устанавливает логгер
func (r *VersionRegistry) WithLogger(logger core.Logger) *VersionRegistry {
	r.logger = core.LoggerOrNop(logger)
	return r
}

// RegisterUpcaster добавляет ребро eventType: from -> to.
// Отклоняет дубликат (eventType, from) и любое ребро, замыкающее цикл.
func (r *VersionRegistry) RegisterUpcaster(eventType string, from, to int, fn UpcastFunc) error {
	if eventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if fn == nil {
		return fmt.Errorf("upcaster for %s v%d is nil", eventType, from)
	}
	if from < 1 || to < 1 {
		return fmt.Errorf("%w: versions start at 1 (got %d -> %d)", ErrInvalidVersion, from, to)
	}
	if from == to {
		return fmt.Errorf("%w: %s v%d -> v%d", ErrUpcasterCycle, eventType, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion, ok := r.edges[eventType]
	if !ok {
		byVersion = make(map[int]upcastEdge)
		r.edges[eventType] = byVersion
	}
	if _, exists := byVersion[from]; exists {
		return fmt.Errorf("%w: %s v%d", ErrDuplicateUpcaster, eventType, from)
	}

	// граф уже ацикличен и у каждой версии не больше одного исходящего ребра,
	// поэтому достаточно пройти путь от to
	for v := to; ; {
		if v == from {
			return fmt.Errorf("%w: %s v%d -> v%d", ErrUpcasterCycle, eventType, from, to)
		}
		next, ok := byVersion[v]
		if !ok {
			break
		}
		v = next.to
	}

	byVersion[from] = upcastEdge{to: to, fn: fn}
	return nil
}

// Upcast проводит событие по цепочке ребер до последней версии.
// Событие без подходящего ребра возвращается без изменений. Ошибка преобразования
// останавливает цепочку на последней успешной версии.
func (r *VersionRegistry) Upcast(event StoredEvent) StoredEvent {
	r.mu.RLock()
	byVersion := r.edges[event.EventType]
	path := make([]upcastEdge, 0, len(byVersion))
	version := event.SchemaVersion
	if version < 1 {
		version = 1
	}
	for i := 0; i < len(byVersion); i++ {
		edge, ok := byVersion[version]
		if !ok {
			break
		}
		path = append(path, edge)
		version = edge.to
	}
	r.mu.RUnlock()

	if len(path) == 0 {
		return event
	}

	payload, err := decodePayload(event.Data)
	if err != nil {
		r.logger.Warn("cannot upcast event payload",
			"event_type", event.EventType,
			"event_id", event.ID,
			"error", err,
		)
		return event
	}

	current := event.SchemaVersion
	if current < 1 {
		current = 1
	}
	for _, edge := range path {
		// ребро получает копию: частичные изменения упавшего ребра не должны попасть в результат
		next, err := edge.fn(clonePayload(payload))
		if err != nil {
			r.logger.Warn("upcaster failed",
				"event_type", event.EventType,
				"event_id", event.ID,
				"from_version", current,
				"to_version", edge.to,
				"error", err,
			)
			break
		}
		payload = next
		current = edge.to
	}

	if current == event.SchemaVersion {
		return event
	}

	data, err := codec.Marshal(payload)
	if err != nil {
		r.logger.Warn("cannot encode upcasted payload",
			"event_type", event.EventType,
			"event_id", event.ID,
			"error", err,
		)
		return event
	}

	upcasted := event
	upcasted.Data = data
	upcasted.SchemaVersion = current
	return upcasted
}

// NeedsUpcast сообщает, есть ли для события подходящее ребро
func (r *VersionRegistry) NeedsUpcast(event StoredEvent) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version := event.SchemaVersion
	if version < 1 {
		version = 1
	}
	_, ok := r.edges[event.EventType][version]
	return ok
}

// Migrations возвращает все ребра, упорядоченные по типу и версии
func (r *VersionRegistry) Migrations() []MigrationPath {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]MigrationPath, 0)
	for eventType, byVersion := range r.edges {
		for from, edge := range byVersion {
			result = append(result, MigrationPath{EventType: eventType, FromVersion: from, ToVersion: edge.to})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EventType != result[j].EventType {
			return result[i].EventType < result[j].EventType
		}
		return result[i].FromVersion < result[j].FromVersion
	})
	return result
}

// MigrationsFor возвращает ребра одного типа события
func (r *VersionRegistry) MigrationsFor(eventType string) []MigrationPath {
	all := r.Migrations()
	result := make([]MigrationPath, 0)
	for _, m := range all {
		if m.EventType == eventType {
			result = append(result, m)
		}
	}
	return result
}

// UpcasterCount возвращает число зарегистрированных ребер
func (r *VersionRegistry) UpcasterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, byVersion := range r.edges {
		count += len(byVersion)
	}
	return count
}

// LatestVersion возвращает версию, к которой приводится событие версии 1
func (r *VersionRegistry) LatestVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion := r.edges[eventType]
	version := 1
	for i := 0; i < len(byVersion); i++ {
		edge, ok := byVersion[version]
		if !ok {
			break
		}
		version = edge.to
	}
	return version
}

func decodePayload(data []byte) (map[string]any, error) {
	dec := codec.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return payload, nil
}

func clonePayload(payload map[string]any) map[string]any {
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		result[k] = cloneValue(v)
	}
	return result
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		result := make([]any, len(t))
		for i, item := range t {
			result[i] = cloneValue(item)
		}
		return result
	default:
		return v
	}
}

// AddField добавляет поле со значением по умолчанию, если его нет
func AddField(name string, defaultValue any) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		if _, ok := payload[name]; !ok {
			payload[name] = defaultValue
		}
		return payload, nil
	}
}

// RenameField переименовывает поле
func RenameField(from, to string) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		if v, ok := payload[from]; ok {
			payload[to] = v
			delete(payload, from)
		}
		return payload, nil
	}
}

// RemoveField удаляет поле
func RemoveField(name string) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		delete(payload, name)
		return payload, nil
	}
}

// TransformField преобразует значение существующего поля
func TransformField(name string, transform func(any) (any, error)) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		v, ok := payload[name]
		if !ok {
			return payload, nil
		}
		nv, err := transform(v)
		if err != nil {
			return nil, fmt.Errorf("transform field %s: %w", name, err)
		}
		payload[name] = nv
		return payload, nil
	}
}

// Chain объединяет несколько преобразований в одно ребро
func Chain(fns ...UpcastFunc) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		var err error
		for _, fn := range fns {
			payload, err = fn(payload)
			if err != nil {
				return nil, err
			}
		}
		return payload, nil
	}
}
