package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akriventsev/potter-eventstore/framework/core"
	"github.com/akriventsev/potter-eventstore/framework/events"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
	"github.com/akriventsev/potter-eventstore/framework/metrics"
)

// DefaultStepTimeout таймаут шага по умолчанию
const DefaultStepTimeout = 30 * time.Second

// SagaOrchestrator исполняет саги: шаги по порядку, при сбое компенсация выполненных шагов в обратном порядке.
// Одновременно может исполняться только одна сага с данным id.
type SagaOrchestrator struct {
	defaultTimeout  time.Duration
	store           *eventsourcing.EventStore
	lifecycleEvents bool
	logger          core.Logger
	metrics         *metrics.Metrics
	historyLimit    int

	mu      sync.RWMutex
	running map[string]*SagaDefinition
	history []SagaMetadata
}

// Option настраивает SagaOrchestrator
type Option func(*SagaOrchestrator)

// WithDefaultTimeout задает таймаут для шагов без собственного
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(o *SagaOrchestrator) {
		if timeout > 0 {
			o.defaultTimeout = timeout
		}
	}
}

// WithEventStore записывает события шагов и компенсаций в store
func WithEventStore(store *eventsourcing.EventStore) Option {
	return func(o *SagaOrchestrator) {
		o.store = store
	}
}

// WithLifecycleEvents дополнительно пишет SagaStarted/SagaCompleted/... в поток StreamID(id)
func WithLifecycleEvents(enabled bool) Option {
	return func(o *SagaOrchestrator) {
		o.lifecycleEvents = enabled
	}
}

// WithLogger устанавливает логгер
func WithLogger(logger core.Logger) Option {
	return func(o *SagaOrchestrator) {
		o.logger = core.LoggerOrNop(logger)
	}
}

// WithMetrics добавляет метрики
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *SagaOrchestrator) {
		o.metrics = m
	}
}

// WithHistoryLimit ограничивает историю последними n сагами; 0 без ограничения
func WithHistoryLimit(n int) Option {
	return func(o *SagaOrchestrator) {
		if n >= 0 {
			o.historyLimit = n
		}
	}
}

// NewSagaOrchestrator создает оркестратор
func NewSagaOrchestrator(opts ...Option) *SagaOrchestrator {
	o := &SagaOrchestrator{
		defaultTimeout: DefaultStepTimeout,
		logger:         core.NopLogger{},
		running:        make(map[string]*SagaDefinition),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute исполняет сагу и возвращает события всех шагов в порядке шагов.
//
// Ошибка шага возвращается как *StepFailedError, таймаут как *TimeoutError; в обоих случаях
// выполненные шаги уже скомпенсированы и статус Compensated. Если компенсация не удалась,
// статус Failed и возвращается *CompensationFailedError.
func (o *SagaOrchestrator) Execute(ctx context.Context, def *SagaDefinition) ([]events.Event, error) {
	if def == nil {
		return nil, ErrNilDefinition
	}

	o.mu.Lock()
	if _, ok := o.running[def.ID()]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("saga %s: %w", def.ID(), ErrAlreadyExecuting)
	}
	if !def.claim() {
		o.mu.Unlock()
		return nil, fmt.Errorf("saga %s: %w", def.ID(), ErrSagaConsumed)
	}
	o.running[def.ID()] = def
	o.mu.Unlock()

	started := time.Now()
	meta := def.setStatus(SagaStatusExecuting)
	o.logger.Info("saga started", "saga_id", def.ID(), "total_steps", meta.TotalSteps)
	if o.lifecycleEvents {
		if _, err := o.appendEvents(ctx, []events.Event{newStartedEvent(meta)}); err != nil {
			o.logger.Warn("failed to record saga start", "saga_id", def.ID(), "error", err)
		}
	}

	produced, err := o.run(ctx, def)

	status := SagaStatusCompleted
	switch {
	case IsCompensationFailure(err):
		status = SagaStatusFailed
	case err != nil:
		status = SagaStatusCompensated
	}
	meta = def.setStatus(status)
	o.finish(meta)
	o.metrics.RecordSaga(ctx, string(status))

	if err != nil {
		o.logger.Error("saga finished with error", "saga_id", def.ID(), "status", string(status), "error", err)
	} else {
		o.logger.Info("saga completed", "saga_id", def.ID(), "steps", meta.StepsExecuted)
	}
	if o.lifecycleEvents {
		// компенсации уже записаны; событие завершения пишем даже после отмены ctx
		if _, appendErr := o.appendEvents(context.WithoutCancel(ctx), []events.Event{newFinishedEvent(meta, time.Since(started), err)}); appendErr != nil {
			o.logger.Warn("failed to record saga finish", "saga_id", def.ID(), "error", appendErr)
		}
	}

	if err != nil {
		return nil, err
	}
	return produced, nil
}

func (o *SagaOrchestrator) run(ctx context.Context, def *SagaDefinition) ([]events.Event, error) {
	steps := def.Steps()
	var produced []events.Event

	for i, step := range steps {
		timeout := o.timeoutFor(step)
		stepStart := time.Now()
		evts, err := o.executeStep(ctx, step, timeout)
		committed := 0
		if err == nil {
			committed, err = o.appendEvents(ctx, evts)
		}
		o.metrics.RecordSagaStep(ctx, step.Name(), time.Since(stepStart), err == nil)

		if err != nil {
			var stepErr error
			if errors.Is(err, errStepTimeout) {
				stepErr = &TimeoutError{StepIndex: i, StepName: step.Name(), Duration: timeout}
			} else {
				stepErr = &StepFailedError{StepIndex: i, StepName: step.Name(), Err: err}
			}
			o.logger.Warn("saga step failed, compensating",
				"saga_id", def.ID(),
				"step", step.Name(),
				"step_index", i,
				"error", err,
			)
			// часть событий шага уже в логе: такой шаг откатывается вместе с предыдущими
			if committed > 0 {
				return nil, o.compensate(ctx, def, steps[:i+1], stepErr)
			}
			return nil, o.compensate(ctx, def, steps[:i], stepErr)
		}

		produced = append(produced, evts...)
		def.stepExecuted(i + 1)
		o.logger.Debug("saga step completed", "saga_id", def.ID(), "step", step.Name(), "events", len(evts))
	}
	return produced, nil
}

// compensate откатывает выполненные шаги строго в обратном порядке.
// Отмена ctx вызывающего не прерывает откат: каждая компенсация ограничена только таймаутом шага.
func (o *SagaOrchestrator) compensate(ctx context.Context, def *SagaDefinition, done []SagaStep, cause error) error {
	compCtx := context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		evts, err := runWithTimeout(compCtx, o.timeoutFor(step), step.Compensate)
		if err == nil {
			_, err = o.appendEvents(compCtx, evts)
		}
		if err != nil {
			if errors.Is(err, errStepTimeout) {
				err = &TimeoutError{StepIndex: i, StepName: step.Name(), Duration: o.timeoutFor(step)}
			}
			return &CompensationFailedError{StepIndex: i, StepName: step.Name(), Err: err, Cause: cause}
		}
		o.logger.Debug("saga step compensated", "saga_id", def.ID(), "step", step.Name())
	}
	return cause
}

func (o *SagaOrchestrator) executeStep(ctx context.Context, step SagaStep, timeout time.Duration) ([]events.Event, error) {
	var policy *RetryPolicy
	if r, ok := step.(RetryableStep); ok {
		policy = r.RetryPolicy()
	}

	for attempt := 1; ; attempt++ {
		evts, err := runWithTimeout(ctx, timeout, step.Execute)
		if err == nil || !policy.ShouldRetry(err, attempt) || ctx.Err() != nil {
			return evts, err
		}
		delay := policy.CalculateDelay(attempt)
		o.logger.Debug("retrying saga step", "step", step.Name(), "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

var errStepTimeout = errors.New("step timed out")

type stepResult struct {
	events []events.Event
	err    error
}

// runWithTimeout не ждет шаг, проигнорировавший отмену: его результат после таймаута отбрасывается
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) ([]events.Event, error)) ([]events.Event, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan stepResult, 1)
	go func() {
		evts, err := fn(stepCtx)
		done <- stepResult{events: evts, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errStepTimeout
		}
		return res.events, res.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errStepTimeout
	}
}

func (o *SagaOrchestrator) timeoutFor(step SagaStep) time.Duration {
	if t := step.Timeout(); t > 0 {
		return t
	}
	return o.defaultTimeout
}

// appendEvents пишет события, группируя их по агрегату в порядке появления.
// Каждая группа атомарна, но группы независимы: при ошибке возвращается число
// событий, уже попавших в лог.
func (o *SagaOrchestrator) appendEvents(ctx context.Context, evts []events.Event) (int, error) {
	if o.store == nil || len(evts) == 0 {
		return 0, nil
	}
	var order []string
	groups := make(map[string][]events.Event)
	for _, e := range evts {
		id := e.AggregateID()
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], e)
	}
	committed := 0
	for _, id := range order {
		if err := o.store.Append(ctx, id, groups[id]...); err != nil {
			return committed, err
		}
		committed += len(groups[id])
	}
	return committed, nil
}

func (o *SagaOrchestrator) finish(meta SagaMetadata) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, meta.ID)
	o.history = append(o.history, meta)
	if o.historyLimit > 0 && len(o.history) > o.historyLimit {
		o.history = append([]SagaMetadata(nil), o.history[len(o.history)-o.historyLimit:]...)
	}
}

// GetSaga возвращает метаданные исполняющейся саги или последнюю запись истории с этим id
func (o *SagaOrchestrator) GetSaga(id string) (SagaMetadata, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if def, ok := o.running[id]; ok {
		return def.Metadata(), true
	}
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].ID == id {
			return o.history[i], true
		}
	}
	return SagaMetadata{}, false
}

// GetRunningSagas возвращает исполняющиеся саги, отсортированные по id
func (o *SagaOrchestrator) GetRunningSagas() []SagaMetadata {
	o.mu.RLock()
	result := make([]SagaMetadata, 0, len(o.running))
	for _, def := range o.running {
		result = append(result, def.Metadata())
	}
	o.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetHistory возвращает завершенные саги в порядке завершения
func (o *SagaOrchestrator) GetHistory() []SagaMetadata {
	o.mu.RLock()
	defer o.mu.RUnlock()
	result := make([]SagaMetadata, len(o.history))
	copy(result, o.history)
	return result
}

// RunningCount возвращает число исполняющихся саг
func (o *SagaOrchestrator) RunningCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.running)
}

// HistoryCount возвращает размер истории
func (o *SagaOrchestrator) HistoryCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.history)
}
