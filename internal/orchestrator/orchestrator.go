package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/engine"
	"github.com/shaiso/genflow/internal/steps"
	"github.com/shaiso/genflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency = 8
)

// Recorder сохраняет состояние runs (Postgres, SQLite).
type Recorder interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	SaveNodeResult(ctx context.Context, runID uuid.UUID, result *domain.NodeResult) error
}

// Events публикует события выполнения (RabbitMQ).
type Events interface {
	PublishNodeFinished(ctx context.Context, run *domain.Run, result *domain.NodeResult) error
	PublishRunFinished(ctx context.Context, run *domain.Run) error
}

// Orchestrator выполняет композированные flows.
//
// Orchestrator:
//   - Привязывает inputs run, валидирует flow и строит граф
//   - Выполняет узлы слоями; узлы одного слоя — параллельно
//   - Разрешает ссылки в params и вызывает исполнителя из Registry
//   - Повторяет упавшие попытки по RetryPolicy
//   - Финализирует run (SUCCEEDED/FAILED/CANCELLED)
//
// Orchestrator не хранит состояния runs: каждый вызов Run создаёт свой RunState,
// поэтому один Orchestrator может выполнять несколько runs одновременно.
type Orchestrator struct {
	registry *steps.Registry
	recorder Recorder
	events   Events
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	concurrency     int
	continueOnError bool
	defaultRetry    *domain.RetryPolicy
	defaultTimeout  time.Duration
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Registry — исполнители узлов по типу.
	Registry *steps.Registry

	// Logger
	Logger *slog.Logger

	// Metrics — Prometheus метрики (опционально).
	Metrics *telemetry.Metrics

	// Recorder — сохранение runs и результатов узлов (опционально).
	Recorder Recorder

	// Events — публикация событий (опционально).
	Events Events

	// Concurrency — максимум одновременно выполняемых узлов (default: 8).
	Concurrency int

	// ContinueOnError — при падении узла пропускать только зависящие от него узлы
	// вместо остановки run.
	ContinueOnError bool

	// DefaultRetry — политика retry для узлов без своей и без defaults flow.
	DefaultRetry *domain.RetryPolicy

	// DefaultTimeout — таймаут попытки для узлов без своего и без defaults flow.
	// 0 — без таймаута.
	DefaultTimeout time.Duration
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		registry:        cfg.Registry,
		recorder:        cfg.Recorder,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		logger:          logger,
		concurrency:     concurrency,
		continueOnError: cfg.ContinueOnError,
		defaultRetry:    cfg.DefaultRetry,
		defaultTimeout:  cfg.DefaultTimeout,
	}
}

// Registry возвращает реестр исполнителей.
func (o *Orchestrator) Registry() *steps.Registry {
	return o.registry
}

// Result — итог выполнения run.
type Result struct {
	// Run — финальное состояние run.
	Run *domain.Run

	// Status — финальный статус run.
	Status domain.RunStatus

	// Outputs — хранилище outputs: узел → {ключ → значение}.
	Outputs map[string]map[string]any

	// Nodes — статусы и результаты узлов.
	Nodes map[string]domain.NodeResult

	// Order — топологический порядок узлов (nil, если граф не построен).
	Order []string

	// Err — причина FAILED/CANCELLED. Для упавших узлов — *RunError.
	Err error
}

// RunID возвращает ID run.
func (r *Result) RunID() uuid.UUID {
	return r.Run.ID
}

// Output возвращает значение output узла.
func (r *Result) Output(node, key string) (any, bool) {
	outputs, ok := r.Outputs[node]
	if !ok {
		return nil, false
	}
	v, ok := outputs[key]
	return v, ok
}

// Failed возвращает имена упавших узлов в топологическом порядке.
func (r *Result) Failed() []string {
	var failed []string
	for _, name := range r.Order {
		if r.Nodes[name].Status == domain.NodeStatusFailed {
			failed = append(failed, name)
		}
	}
	return failed
}

// Run создаёт run для flow и выполняет его.
func (o *Orchestrator) Run(ctx context.Context, flow *domain.ComposedFlow, inputs map[string]any) (*Result, error) {
	return o.Execute(ctx, domain.NewRun(flow.Name, inputs), flow)
}

// Execute выполняет существующий run.
//
// Ошибки структуры flow (inputs, валидация, ссылки, циклы) возвращаются до запуска
// любого узла. Возвращаемый Result не nil; ошибка совпадает с Result.Err.
func (o *Orchestrator) Execute(ctx context.Context, run *domain.Run, flow *domain.ComposedFlow) (*Result, error) {
	logger := telemetry.ForRun(o.logger, run.ID, run.FlowName)
	ctx = telemetry.WithLogger(ctx, logger)

	run.MarkRunning()
	o.saveRun(ctx, run)
	o.metrics.RunStarted()

	logger.Info("run started", "nodes", len(flow.Nodes))

	state, err := o.prepare(run, flow)
	if err != nil {
		logger.Error("flow rejected", "error", err)
		return o.finish(ctx, run, nil, err), err
	}

	o.executeLayers(ctx, state)

	result := o.finish(ctx, run, state, nil)
	return result, result.Err
}

// prepare привязывает inputs, валидирует flow и строит граф.
func (o *Orchestrator) prepare(run *domain.Run, flow *domain.ComposedFlow) (*RunState, error) {
	if o.registry == nil {
		return nil, ErrNoRegistry
	}

	inputs, err := engine.BindInputs(flow, run.Inputs)
	if err != nil {
		return nil, err
	}

	if err := engine.Validate(flow, o.registry); err != nil {
		return nil, err
	}

	graph, err := engine.BuildGraph(flow)
	if err != nil {
		return nil, err
	}

	state := NewRunState(run, flow, graph)
	state.Resolver.WithInputs(inputs)
	return state, nil
}

// executeLayers выполняет слои графа по порядку.
//
// Узлы слоя не зависят друг от друга и запускаются параллельно (не больше concurrency).
// Следующий слой начинается после завершения всех узлов текущего.
func (o *Orchestrator) executeLayers(ctx context.Context, state *RunState) {
	logger := telemetry.FromContext(ctx)

	for i, layer := range state.Graph.Layers {
		if ctx.Err() != nil {
			logger.Warn("run cancelled, no further dispatch", "layer", i)
			return
		}

		var g errgroup.Group
		g.SetLimit(o.concurrency)

		for _, node := range layer {
			if state.Status(node.Name) != domain.NodeStatusPending {
				continue
			}
			if ctx.Err() != nil {
				break
			}

			state.MarkReady(node.Name)
			g.Go(func() error {
				o.executeNode(ctx, state, node)
				return nil
			})
		}

		// Ошибки узлов записываются в state, g.Wait всегда nil
		_ = g.Wait()

		if state.HasFailed() && !o.continueOnError {
			logger.Warn("node failed, stopping run", "layer", i)
			return
		}
	}
}

// finish вычисляет финальный статус, сохраняет run и публикует событие.
func (o *Orchestrator) finish(ctx context.Context, run *domain.Run, state *RunState, structural error) *Result {
	logger := telemetry.FromContext(ctx)
	result := &Result{Run: run}

	switch {
	case structural != nil:
		result.Err = structural
		run.MarkFailed(structural.Error())

	default:
		result.Outputs = state.Outputs.Snapshot()
		result.Nodes = state.Results()
		result.Order = state.Graph.OrderNames()

		switch {
		case state.AllSucceeded():
			run.MarkSucceeded()
		case ctx.Err() != nil && !state.HasFailed():
			result.Err = fmt.Errorf("%w: %w", ErrRunCancelled, ctx.Err())
			run.MarkCancelled()
		case ctx.Err() != nil:
			result.Err = errors.Join(ErrRunCancelled, failures(state))
			run.MarkCancelled()
		default:
			result.Err = failures(state)
			run.MarkFailed(result.Err.Error())
		}
	}

	result.Status = run.Status

	// Сохранение после отмены выполняется без отменённого context
	hookCtx := context.WithoutCancel(ctx)
	o.saveRun(hookCtx, run)
	if o.events != nil {
		if err := o.events.PublishRunFinished(hookCtx, run); err != nil {
			logger.Warn("failed to publish run.finished", "error", err)
		}
	}
	o.metrics.RunFinished(string(run.Status), run.Duration())

	logger.Info("run finished",
		"status", run.Status,
		"duration", run.Duration(),
	)
	return result
}

// failures собирает ошибки упавших узлов в топологическом порядке.
func failures(state *RunState) error {
	var errs []error
	for _, err := range state.Errors() {
		errs = append(errs, err)
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// saveRun сохраняет run через Recorder. Ошибка только логируется.
func (o *Orchestrator) saveRun(ctx context.Context, run *domain.Run) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveRun(ctx, run); err != nil {
		telemetry.FromContext(ctx).Warn("failed to save run", "error", err)
	}
}
