package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/mq"
)

// Default configuration values.
const (
	defaultRefreshInterval = time.Minute
)

// FlowLister возвращает flows с расписанием (repo.FlowRepo).
type FlowLister interface {
	ListScheduled(ctx context.Context) ([]domain.FlowVersion, error)
}

// RunCreator создаёт run в статусе PENDING (repo.RunRepo).
type RunCreator interface {
	Create(ctx context.Context, run *domain.Run) error
}

// RunRequester публикует запрос на выполнение (mq.Publisher).
type RunRequester interface {
	PublishRunRequested(ctx context.Context, payload mq.RunRequestedPayload) error
}

// Scheduler запускает flows, в документе которых задан schedule.
//
// Раз в RefreshInterval Scheduler перечитывает flows из БД и синхронизирует
// задания robfig/cron: новое расписание — новое задание, изменённое — замена,
// удалённое или неактивное — снятие. Каждое срабатывание создаёт run
// и публикует run.requested для workers.
type Scheduler struct {
	flows     FlowLister
	runs      RunCreator
	requester RunRequester
	logger    *slog.Logger

	refreshInterval time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]scheduledFlow // имя flow → задание
}

// scheduledFlow — задание cron для одного flow.
type scheduledFlow struct {
	id       cron.EntryID
	schedule string
}

// Config — конфигурация Scheduler.
type Config struct {
	Flows     FlowLister
	Runs      RunCreator
	Requester RunRequester
	Logger    *slog.Logger

	// RefreshInterval — период синхронизации расписаний с БД (default: 1m).
	RefreshInterval time.Duration

	// Location — часовой пояс cron-выражений (default: UTC).
	Location *time.Location
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Scheduler{
		flows:           cfg.Flows,
		runs:            cfg.Runs,
		requester:       cfg.Requester,
		logger:          logger,
		refreshInterval: refresh,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger{logger: logger}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: logger})),
		),
		entries: make(map[string]scheduledFlow),
	}
}

// Run синхронизирует расписания и выполняет задания до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		s.logger.Error("initial schedule sync failed", "error", err)
	}

	s.cron.Start()
	defer func() {
		// Ждём заданий, которые уже выполняются
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}()

	s.logger.Info("scheduler started", "refresh_interval", s.refreshInterval)

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("schedule sync failed", "error", err)
			}
		}
	}
}

// Sync приводит задания cron в соответствие с flows в БД.
//
// Flow с невалидным cron-выражением пропускается (с ошибкой в логе),
// остальные синхронизируются.
func (s *Scheduler) Sync(ctx context.Context) error {
	versions, err := s.flows.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled flows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(versions))
	for i := range versions {
		name := versions[i].Doc.Name
		expr := versions[i].Doc.Schedule
		if name == "" || expr == "" {
			continue
		}
		seen[name] = true

		current, ok := s.entries[name]
		if ok && current.schedule == expr {
			continue
		}
		if ok {
			s.cron.Remove(current.id)
			delete(s.entries, name)
		}

		id, err := s.cron.AddFunc(expr, s.trigger(ctx, name))
		if err != nil {
			s.logger.Error("invalid flow schedule, skipping",
				"flow", name,
				"schedule", expr,
				"error", err,
			)
			continue
		}
		s.entries[name] = scheduledFlow{id: id, schedule: expr}
		s.logger.Info("flow scheduled", "flow", name, "schedule", expr)
	}

	for name, entry := range s.entries {
		if !seen[name] {
			s.cron.Remove(entry.id)
			delete(s.entries, name)
			s.logger.Info("flow unscheduled", "flow", name)
		}
	}

	return nil
}

// Scheduled возвращает расписания активных заданий: имя flow → cron-выражение.
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.entries))
	for name, entry := range s.entries {
		out[name] = entry.schedule
	}
	return out
}

// trigger возвращает задание cron для flow.
func (s *Scheduler) trigger(ctx context.Context, flowName string) func() {
	return func() {
		if _, err := s.Trigger(ctx, flowName); err != nil {
			s.logger.Error("scheduled run failed", "flow", flowName, "error", err)
		}
	}
}

// Trigger создаёт run для flow и публикует run.requested.
//
// Run создаётся до публикации: если публикация не удалась, run остаётся
// PENDING и его можно перезапустить.
func (s *Scheduler) Trigger(ctx context.Context, flowName string) (*domain.Run, error) {
	run := domain.NewRun(flowName, nil)

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	err := s.requester.PublishRunRequested(ctx, mq.RunRequestedPayload{
		RunID:    run.ID,
		FlowName: flowName,
	})
	if err != nil {
		return run, fmt.Errorf("publish run.requested: %w", err)
	}

	s.logger.Info("scheduled run requested", "flow", flowName, "run_id", run.ID)
	return run, nil
}
