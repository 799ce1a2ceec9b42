package worker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/mq"
	"github.com/shaiso/genflow/internal/orchestrator"
)

// Default configuration values.
const (
	defaultPrefetch   = 4
	defaultRunTimeout = 30 * time.Minute
)

// FlowSource — хранилище сохранённых flows (repo.FlowRepo).
type FlowSource interface {
	// GetVersionByName возвращает версию flow; version <= 0 — последняя.
	GetVersionByName(ctx context.Context, name string, version int) (*domain.FlowVersion, error)
}

// RunStore — хранилище runs (repo.RunRepo).
type RunStore interface {
	orchestrator.Recorder
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
}

// ConnEvents — события соединения с брокером (mq.Connection).
type ConnEvents interface {
	Lost() <-chan struct{}
	Reconnected() <-chan struct{}
}

// Worker выполняет сохранённые flows по запросам из очереди.
//
// Worker:
//   - Получает run.requested из RabbitMQ
//   - Загружает документ flow и все его под-flow из БД
//   - Композирует документ и выполняет его через Orchestrator
//   - Сохраняет run и результаты узлов через RunStore
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Worker struct {
	flows        FlowSource
	runs         RunStore
	orchestrator *orchestrator.Orchestrator

	conn     *mq.Connection
	consumer *mq.Consumer
	prefetch int

	runTimeout time.Duration

	// inflight — runs, выполняемые этим экземпляром: run_id → flow.
	inflightMu sync.Mutex
	inflight   map[uuid.UUID]string

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// Flows — источник документов flows.
	Flows FlowSource

	// Runs — хранилище runs. Должно совпадать с Recorder оркестратора.
	Runs RunStore

	// Orchestrator — исполнитель композированных flows.
	Orchestrator *orchestrator.Orchestrator

	// Conn — соединение с RabbitMQ.
	Conn *mq.Connection

	// Prefetch — сколько run запросов выполняется одновременно (default: 4).
	Prefetch int

	// RunTimeout — максимальная длительность одного run (default: 30m).
	RunTimeout time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		flows:        cfg.Flows,
		runs:         cfg.Runs,
		orchestrator: cfg.Orchestrator,
		conn:         cfg.Conn,
		prefetch:     prefetch,
		runTimeout:   runTimeout,
		inflight:     make(map[uuid.UUID]string),
		logger:       logger,
	}
}

// Start запускает потребление run.requested.
//
// Каждая доставка обрабатывается в своей горутине, поэтому одновременно
// выполняется не больше prefetch runs.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"prefetch", w.prefetch,
		"run_timeout", w.runTimeout,
	)

	w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:    mq.QueueRunsRequested,
		Handler:  w.handleRunRequested,
		Prefetch: w.prefetch,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("run consumer error", "error", err)
		}
	}()

	if w.conn != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.watchConnection(ctx, w.conn)
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// watchConnection сообщает о runs, оставшихся без подтверждения при разрыве
// соединения. Их run.requested вернётся в очередь после переподключения;
// повторная доставка на этот же экземпляр отбрасывается (ErrRunInProgress).
func (w *Worker) watchConnection(ctx context.Context, events ConnEvents) {
	for {
		lost := events.Lost()
		reconnected := events.Reconnected()

		select {
		case <-ctx.Done():
			return
		case <-lost:
		}

		ids := w.InFlight()
		w.logger.Warn("broker connection lost", "in_flight", len(ids), "run_ids", ids)

		select {
		case <-ctx.Done():
			return
		case <-reconnected:
		}

		w.logger.Info("broker connection restored", "in_flight", len(w.InFlight()))
	}
}

// track отмечает run как выполняемый. false — run уже выполняется здесь.
func (w *Worker) track(runID uuid.UUID, flow string) bool {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	if _, ok := w.inflight[runID]; ok {
		return false
	}
	w.inflight[runID] = flow
	return true
}

func (w *Worker) untrack(runID uuid.UUID) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	delete(w.inflight, runID)
}

// InFlight возвращает отсортированные ID runs, выполняемых сейчас.
func (w *Worker) InFlight() []string {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	ids := make([]string, 0, len(w.inflight))
	for id := range w.inflight {
		ids = append(ids, id.String())
	}
	slices.Sort(ids)
	return ids
}

// Stop останавливает Worker и ждёт завершения consumer.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
