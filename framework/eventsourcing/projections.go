package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/metrics"
)

var (
	// ErrProjectionExists возникает при повторной регистрации имени
	ErrProjectionExists = errors.New("projection already registered")
	// ErrProjectionNotFound возникает при обращении к незарегистрированной проекции
	ErrProjectionNotFound = errors.New("projection not found")
	// ErrRebuildInProgress возникает при параллельном rebuild одной проекции
	ErrRebuildInProgress = errors.New("projection rebuild already in progress")
	// ErrRegistryRunning возникает при повторном Start
	ErrRegistryRunning = errors.New("projection registry already running")
)

// Projection интерфейс для проекций
type Projection interface {
	Name() string
	// Apply применяет событие к состоянию проекции
	Apply(ctx context.Context, event StoredEvent) error
	// Reset возвращает проекцию в начальное состояние перед rebuild
	Reset(ctx context.Context) error
}

// ProjectionPosition позиция проекции: число примененных событий и время последнего продвижения
type ProjectionPosition struct {
	Version   int64
	UpdatedAt time.Time
}

// ProjectionMetadata снимок состояния проекции для наблюдения.
// Пока Rebuilding == true, состояние проекции может быть устаревшим.
type ProjectionMetadata struct {
	Name       string
	Position   ProjectionPosition
	Rebuilding bool
	ErrorCount int64
	LastError  string
}

type projectionEntry struct {
	projection Projection

	// mu сериализует применение событий и rebuild
	mu     sync.Mutex
	logPos int64

	rebuilding   atomic.Bool
	needsCatchUp atomic.Bool

	metaMu sync.Mutex
	meta   ProjectionMetadata
}

func (e *projectionEntry) metadata() ProjectionMetadata {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.meta
}

// apply вызывается под e.mu. События, уже покрытые позицией лога, пропускаются.
func (e *projectionEntry) apply(ctx context.Context, event StoredEvent) (bool, error) {
	if event.Position <= e.logPos {
		return false, nil
	}
	err := e.projection.Apply(ctx, event)
	e.logPos = event.Position

	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	if err != nil {
		e.meta.ErrorCount++
		e.meta.LastError = err.Error()
		return true, err
	}
	e.meta.Position.Version++
	e.meta.Position.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (e *projectionEntry) checkpoint() Checkpoint {
	meta := e.metadata()
	return Checkpoint{
		Version:     meta.Position.Version,
		LogPosition: e.logPos,
		UpdatedAt:   meta.Position.UpdatedAt,
	}
}

// ProjectionRegistry поддерживает именованные проекции в актуальном состоянии.
//
// Одна подписка на EventStore обслуживает все проекции. Блокировка реестра охватывает
// только карту проекций; применение событий идет под блокировкой конкретной проекции.
// Если подписка теряет события из-за переполнения буфера, проекции догоняют лог
// чтением с последней примененной позиции.
type ProjectionRegistry struct {
	store           *EventStore
	checkpoints     CheckpointStore
	logger          core.Logger
	metrics         *metrics.Metrics
	bufferSize      int
	batchSize       int
	catchUpInterval time.Duration

	mu          sync.RWMutex
	projections map[string]*projectionEntry
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	kick        chan struct{}
}

// NewProjectionRegistry создает реестр поверх EventStore
func NewProjectionRegistry(store *EventStore) *ProjectionRegistry {
	return &ProjectionRegistry{
		store:           store,
		logger:          core.NopLogger{},
		bufferSize:      4 * DefaultSubscriberBuffer,
		batchSize:       DefaultReplayOptions().BatchSize,
		catchUpInterval: time.Second,
		projections:     make(map[string]*projectionEntry),
	}
}

// WithCheckpointStore включает сохранение позиций проекций
func (r *ProjectionRegistry) WithCheckpointStore(store CheckpointStore) *ProjectionRegistry {
	r.checkpoints = store
	return r
}

// WithLogger устанавливает логгер
func (r *ProjectionRegistry) WithLogger(logger core.Logger) *ProjectionRegistry {
	r.logger = core.LoggerOrNop(logger)
	return r
}

// WithMetrics добавляет метрики
func (r *ProjectionRegistry) WithMetrics(m *metrics.Metrics) *ProjectionRegistry {
	r.metrics = m
	return r
}

// WithSubscriberBuffer задает буфер подписки реестра
func (r *ProjectionRegistry) WithSubscriberBuffer(size int) *ProjectionRegistry {
	if size > 0 {
		r.bufferSize = size
	}
	return r
}

// WithBatchSize задает размер пачки при чтении лога
func (r *ProjectionRegistry) WithBatchSize(size int) *ProjectionRegistry {
	if size > 0 {
		r.batchSize = size
	}
	return r
}

// WithCatchUpInterval задает период проверки потерянных событий
func (r *ProjectionRegistry) WithCatchUpInterval(interval time.Duration) *ProjectionRegistry {
	if interval > 0 {
		r.catchUpInterval = interval
	}
	return r
}

// Name реализует core.Component
func (r *ProjectionRegistry) Name() string {
	return "projection-registry"
}

// Type реализует core.Component
func (r *ProjectionRegistry) Type() core.ComponentType {
	return core.ComponentTypeRegistry
}

// Register регистрирует проекцию. Повторное имя отклоняется с ErrProjectionExists.
// Проекция, добавленная в работающий реестр, догоняет лог в фоне.
func (r *ProjectionRegistry) Register(projection Projection) error {
	if projection == nil {
		return fmt.Errorf("projection is nil")
	}
	name := projection.Name()
	if name == "" {
		return fmt.Errorf("projection name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projections[name]; exists {
		return fmt.Errorf("%w: %s", ErrProjectionExists, name)
	}

	entry := &projectionEntry{
		projection: projection,
		meta: ProjectionMetadata{
			Name:     name,
			Position: ProjectionPosition{UpdatedAt: time.Now().UTC()},
		},
	}
	entry.needsCatchUp.Store(true)
	r.projections[name] = entry

	if r.running {
		r.signal()
	}
	return nil
}

// Unregister удаляет проекцию из реестра
func (r *ProjectionRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projections[name]; !exists {
		return fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	delete(r.projections, name)
	return nil
}

// Get возвращает зарегистрированную проекцию
func (r *ProjectionRegistry) Get(name string) (Projection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.projections[name]
	if !ok {
		return nil, false
	}
	return entry.projection, true
}

// Count возвращает число проекций
func (r *ProjectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projections)
}

// Start открывает подписку и запускает фоновый цикл применения событий.
// Перед живыми событиями каждая проекция догоняет лог со своей позиции
// (или с позиции из CheckpointStore).
func (r *ProjectionRegistry) Start(ctx context.Context) error {
	if r.IsRunning() {
		return ErrRegistryRunning
	}

	if r.checkpoints != nil {
		for _, entry := range r.entries() {
			name := entry.projection.Name()
			cp, found, err := r.checkpoints.GetCheckpoint(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to load checkpoint for %s: %w", name, err)
			}
			if !found {
				continue
			}
			entry.mu.Lock()
			if cp.LogPosition > entry.logPos {
				entry.logPos = cp.LogPosition
			}
			entry.mu.Unlock()
			entry.metaMu.Lock()
			if cp.Version > entry.meta.Position.Version {
				entry.meta.Position = ProjectionPosition{Version: cp.Version, UpdatedAt: cp.UpdatedAt}
			}
			entry.metaMu.Unlock()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRegistryRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := r.store.SubscribeWithBuffer(r.bufferSize)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.kick = make(chan struct{}, 1)
	r.running = true

	go r.run(runCtx, sub, r.kick, r.done)
	r.signal()

	r.logger.Info("projection registry started", "projections", len(r.projections))
	return nil
}

// Stop останавливает фоновый цикл и закрывает подписку
func (r *ProjectionRegistry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.logger.Info("projection registry stopped")
	return nil
}

// IsRunning реализует core.Lifecycle
func (r *ProjectionRegistry) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Rebuild сбрасывает проекцию и заново проигрывает весь лог через VersionRegistry.
// Параллельный rebuild той же проекции отклоняется с ErrRebuildInProgress.
// Ошибки применения отдельных событий учитываются в метаданных и не прерывают rebuild.
func (r *ProjectionRegistry) Rebuild(ctx context.Context, name string) error {
	entry, err := r.entry(name)
	if err != nil {
		return err
	}
	if !entry.rebuilding.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrRebuildInProgress, name)
	}
	defer entry.rebuilding.Store(false)

	entry.metaMu.Lock()
	entry.meta.Rebuilding = true
	entry.metaMu.Unlock()
	defer func() {
		entry.metaMu.Lock()
		entry.meta.Rebuilding = false
		entry.metaMu.Unlock()
	}()

	r.logger.Info("projection rebuild started", "projection", name)
	start := time.Now()

	err = r.rebuildEntry(ctx, entry)
	r.metrics.RecordRebuild(ctx, name, err == nil)
	if err != nil {
		entry.metaMu.Lock()
		entry.meta.LastError = err.Error()
		entry.metaMu.Unlock()
		r.logger.Error("projection rebuild failed", "projection", name, "error", err)
		return fmt.Errorf("failed to rebuild projection %s: %w", name, err)
	}

	meta := entry.metadata()
	r.logger.Info("projection rebuild completed",
		"projection", name,
		"version", meta.Position.Version,
		"duration", time.Since(start),
	)
	return nil
}

func (r *ProjectionRegistry) rebuildEntry(ctx context.Context, entry *projectionEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := entry.projection.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset projection: %w", err)
	}

	// метаданные после rebuild совпадают с метаданными проекции, построенной с нуля
	entry.metaMu.Lock()
	entry.meta.ErrorCount = 0
	entry.meta.LastError = ""
	entry.metaMu.Unlock()

	var applied, lastPosition int64
	err := r.store.ReadAll(ctx, 0, r.batchSize, func(event StoredEvent) error {
		lastPosition = event.Position
		if err := entry.projection.Apply(ctx, event); err != nil {
			entry.metaMu.Lock()
			entry.meta.ErrorCount++
			entry.meta.LastError = err.Error()
			entry.metaMu.Unlock()
			r.logger.Warn("projection apply failed during rebuild",
				"projection", entry.projection.Name(),
				"event_type", event.EventType,
				"position", event.Position,
				"error", err,
			)
			return nil
		}
		applied++
		return nil
	})
	if err != nil {
		return err
	}

	// живые события, покрытые replay, будут пропущены по позиции лога
	if lastPosition > entry.logPos {
		entry.logPos = lastPosition
	}
	entry.needsCatchUp.Store(false)

	entry.metaMu.Lock()
	entry.meta.Position.Version = applied
	entry.meta.Position.UpdatedAt = time.Now().UTC()
	entry.metaMu.Unlock()

	r.saveCheckpoint(ctx, entry)
	return nil
}

// RebuildAll перестраивает все проекции; ошибка одной не влияет на остальные
func (r *ProjectionRegistry) RebuildAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.names() {
		if err := r.Rebuild(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetMetadata возвращает снимок метаданных проекции
func (r *ProjectionRegistry) GetMetadata(name string) (ProjectionMetadata, error) {
	entry, err := r.entry(name)
	if err != nil {
		return ProjectionMetadata{}, err
	}
	return entry.metadata(), nil
}

// GetAllMetadata возвращает метаданные всех проекций, упорядоченные по имени
func (r *ProjectionRegistry) GetAllMetadata() []ProjectionMetadata {
	entries := r.entries()
	result := make([]ProjectionMetadata, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entry.metadata())
	}
	return result
}

// WaitForPosition ждет, пока проекция применит не меньше version событий
func (r *ProjectionRegistry) WaitForPosition(ctx context.Context, name string, version int64) error {
	entry, err := r.entry(name)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if entry.metadata().Position.Version >= version {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("projection %s at version %d, waiting for %d: %w",
				name, entry.metadata().Position.Version, version, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *ProjectionRegistry) run(ctx context.Context, sub *Subscription, kick <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer sub.Close()

	ticker := time.NewTicker(r.catchUpInterval)
	defer ticker.Stop()

	var seenDropped uint64
	checkDrops := func() {
		if d := sub.Dropped(); d != seenDropped {
			r.logger.Warn("projection subscription lost events, catching up",
				"dropped", d-seenDropped,
			)
			seenDropped = d
			for _, entry := range r.entries() {
				entry.needsCatchUp.Store(true)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			r.catchUpPending(ctx)
		case <-ticker.C:
			checkDrops()
			r.catchUpPending(ctx)
		case event, ok := <-sub.C():
			if !ok {
				r.logger.Warn("event store subscription closed, projection registry idle")
				return
			}
			checkDrops()
			r.catchUpPending(ctx)
			r.dispatch(ctx, r.store.upcastOne(event))
		}
	}
}

func (r *ProjectionRegistry) dispatch(ctx context.Context, event StoredEvent) {
	for _, entry := range r.entries() {
		entry.mu.Lock()
		applied, err := entry.apply(ctx, event)
		if applied {
			r.afterApply(ctx, entry, event, err)
		}
		entry.mu.Unlock()
	}
}

func (r *ProjectionRegistry) catchUpPending(ctx context.Context) {
	for _, entry := range r.entries() {
		if !entry.needsCatchUp.Swap(false) {
			continue
		}
		if err := r.catchUp(ctx, entry); err != nil {
			entry.needsCatchUp.Store(true)
			if ctx.Err() == nil {
				r.logger.Error("projection catch-up failed",
					"projection", entry.projection.Name(),
					"error", err,
				)
			}
		}
	}
}

func (r *ProjectionRegistry) catchUp(ctx context.Context, entry *projectionEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	return r.store.ReadAll(ctx, entry.logPos, r.batchSize, func(event StoredEvent) error {
		applied, err := entry.apply(ctx, event)
		if applied {
			r.afterApply(ctx, entry, event, err)
		}
		return nil
	})
}

// afterApply вызывается под entry.mu
func (r *ProjectionRegistry) afterApply(ctx context.Context, entry *projectionEntry, event StoredEvent, err error) {
	name := entry.projection.Name()
	r.metrics.RecordProjectionEvent(ctx, name, err == nil)
	if err != nil {
		r.logger.Error("projection apply failed",
			"projection", name,
			"event_type", event.EventType,
			"aggregate_id", event.AggregateID,
			"position", event.Position,
			"error", err,
		)
		return
	}
	r.saveCheckpoint(ctx, entry)
}

func (r *ProjectionRegistry) saveCheckpoint(ctx context.Context, entry *projectionEntry) {
	if r.checkpoints == nil {
		return
	}
	name := entry.projection.Name()
	if err := r.checkpoints.SaveCheckpoint(ctx, name, entry.checkpoint()); err != nil {
		r.logger.Warn("failed to save projection checkpoint", "projection", name, "error", err)
	}
}

// signal вызывается под r.mu
func (r *ProjectionRegistry) signal() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *ProjectionRegistry) entry(name string) (*projectionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.projections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	return entry, nil
}

func (r *ProjectionRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.projections))
	for name := range r.projections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ProjectionRegistry) entries() []*projectionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*projectionEntry, 0, len(r.projections))
	for _, entry := range r.projections {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].projection.Name() < result[j].projection.Name()
	})
	return result
}

// ProjectionBuilder builder для создания проекций
type ProjectionBuilder struct {
	name          string
	eventHandlers map[string]func(context.Context, StoredEvent) error
	reset         func(context.Context) error
}

// NewProjectionBuilder создает новый ProjectionBuilder
func NewProjectionBuilder(name string) *ProjectionBuilder {
	return &ProjectionBuilder{
		name:          name,
		eventHandlers: make(map[string]func(context.Context, StoredEvent) error),
	}
}

// OnEvent регистрирует обработчик события
func (b *ProjectionBuilder) OnEvent(eventType string, handler func(context.Context, StoredEvent) error) *ProjectionBuilder {
	b.eventHandlers[eventType] = handler
	return b
}

// OnReset задает сброс состояния для rebuild
func (b *ProjectionBuilder) OnReset(reset func(context.Context) error) *ProjectionBuilder {
	b.reset = reset
	return b
}

// Build создает проекцию
func (b *ProjectionBuilder) Build() Projection {
	handlers := make(map[string]func(context.Context, StoredEvent) error, len(b.eventHandlers))
	for k, v := range b.eventHandlers {
		handlers[k] = v
	}
	return &BuilderProjection{
		name:          b.name,
		eventHandlers: handlers,
		reset:         b.reset,
	}
}

// BuilderProjection проекция созданная через builder
type BuilderProjection struct {
	name          string
	eventHandlers map[string]func(context.Context, StoredEvent) error
	reset         func(context.Context) error
}

func (p *BuilderProjection) Name() string {
	return p.name
}

func (p *BuilderProjection) Apply(ctx context.Context, event StoredEvent) error {
	handler, exists := p.eventHandlers[event.EventType]
	if !exists {
		return nil
	}
	return handler(ctx, event)
}

func (p *BuilderProjection) Reset(ctx context.Context) error {
	if p.reset == nil {
		return nil
	}
	return p.reset(ctx)
}

// FoldProjection проекция, сворачивающая события в значение типа S
type FoldProjection[S any] struct {
	name    string
	initial func() S
	fold    func(S, StoredEvent) (S, error)

	mu    sync.RWMutex
	state S
}

// NewFoldProjection создает проекцию со свертки fold над начальным состоянием initial()
func NewFoldProjection[S any](name string, initial func() S, fold func(S, StoredEvent) (S, error)) *FoldProjection[S] {
	return &FoldProjection[S]{
		name:    name,
		initial: initial,
		fold:    fold,
		state:   initial(),
	}
}

func (p *FoldProjection[S]) Name() string {
	return p.name
}

func (p *FoldProjection[S]) Apply(ctx context.Context, event StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := p.fold(p.state, event)
	if err != nil {
		return err
	}
	p.state = next
	return nil
}

func (p *FoldProjection[S]) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = p.initial()
	return nil
}

// State возвращает текущее состояние
func (p *FoldProjection[S]) State() S {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

var (
	_ Projection     = (*BuilderProjection)(nil)
	_ core.Lifecycle = (*ProjectionRegistry)(nil)
	_ core.Component = (*ProjectionRegistry)(nil)
)
