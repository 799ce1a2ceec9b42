package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/engine"
	"github.com/shaiso/genflow/internal/mq"
	"github.com/shaiso/genflow/internal/repo"
	"github.com/shaiso/genflow/internal/telemetry"
)

// handleRunRequested обрабатывает сообщение из очереди runs.requested.
//
// Ошибки flow (не найден, не композируется, упал узел) фиксируются в run
// и не возвращаются: сообщение подтверждается. Возвращаются только ошибки
// инфраструктуры, после которых запрос имеет смысл повторить.
func (w *Worker) handleRunRequested(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunRequestedPayload](&delivery.Message)
	if err != nil {
		return mq.Permanent(fmt.Errorf("parse run.requested payload: %w", err))
	}

	err = w.processRun(ctx, payload)
	switch {
	case errors.Is(err, ErrRunAlreadyFinished):
		w.logger.Debug("run already finished, skipping", "run_id", payload.RunID)
		return nil
	case errors.Is(err, ErrRunInProgress):
		w.logger.Info("run redelivered while in progress, skipping", "run_id", payload.RunID)
		return nil
	case errors.Is(err, ErrInvalidRequest):
		return mq.Permanent(err)
	default:
		return err
	}
}

// processRun загружает flow, композирует и выполняет его.
func (w *Worker) processRun(ctx context.Context, req mq.RunRequestedPayload) error {
	if req.FlowName == "" {
		return fmt.Errorf("%w: flow_name is required", ErrInvalidRequest)
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}

	if !w.track(req.RunID, req.FlowName) {
		return fmt.Errorf("%w: %s", ErrRunInProgress, req.RunID)
	}
	defer w.untrack(req.RunID)

	logger := telemetry.ForRun(w.logger, req.RunID, req.FlowName)

	run, err := w.loadRun(ctx, req)
	if err != nil {
		return err
	}

	flow, version, err := w.compose(ctx, req.FlowName, req.Version)
	if err != nil {
		var ce *engine.CompositionError
		if errors.Is(err, ErrFlowNotFound) || errors.As(err, &ce) {
			// Запрос повторять бесполезно: фиксируем FAILED и подтверждаем сообщение
			logger.Error("flow cannot be composed", "error", err)
			run.MarkFailed(err.Error())
			if saveErr := w.runs.SaveRun(ctx, run); saveErr != nil {
				return fmt.Errorf("save failed run: %w", saveErr)
			}
			return nil
		}
		return err
	}
	run.Version = version

	runCtx, cancel := context.WithTimeout(ctx, w.runTimeout)
	defer cancel()

	result, err := w.orchestrator.Execute(telemetry.WithLogger(runCtx, logger), run, flow)
	if err != nil {
		logger.Warn("run did not succeed", "status", result.Status, "error", err)
		return nil
	}

	logger.Info("run succeeded", "duration", run.Duration().Round(time.Millisecond))
	return nil
}

// loadRun возвращает run для запроса: существующий PENDING или новый.
func (w *Worker) loadRun(ctx context.Context, req mq.RunRequestedPayload) (*domain.Run, error) {
	existing, err := w.runs.GetByID(ctx, req.RunID)
	switch {
	case err == nil:
		if existing.IsFinished() {
			return nil, fmt.Errorf("%w: %s", ErrRunAlreadyFinished, req.RunID)
		}
		if existing.Inputs == nil {
			existing.Inputs = req.Inputs
		}
		return existing, nil

	case errors.Is(err, repo.ErrNotFound):
		run := domain.NewRun(req.FlowName, req.Inputs)
		run.ID = req.RunID
		run.Version = req.Version
		return run, nil

	default:
		return nil, fmt.Errorf("get run: %w", err)
	}
}

// compose загружает документ flow и его под-flow и композирует их.
// Возвращает также номер версии базового flow.
//
// Базовый flow берётся в запрошенной версии, под-flow — в последней.
func (w *Worker) compose(ctx context.Context, name string, version int) (*domain.ComposedFlow, int, error) {
	base, err := w.fetch(ctx, name, version)
	if err != nil {
		return nil, 0, err
	}

	subs, err := engine.CollectSubFlows(ctx, &base.Doc, func(ctx context.Context, _ *domain.NodeDef, alias string) (*domain.FlowDoc, error) {
		sub, err := w.fetch(ctx, alias, 0)
		if err != nil {
			return nil, err
		}
		return &sub.Doc, nil
	})
	if err != nil {
		// Ошибка хранилища при загрузке под-flow повторяется, а не фиксируется в run
		var ce *engine.CompositionError
		if errors.As(err, &ce) && !errors.Is(err, ErrFlowNotFound) {
			return nil, 0, ce.Err
		}
		return nil, 0, err
	}

	flow, err := engine.Compose(&base.Doc, subs)
	if err != nil {
		return nil, 0, err
	}
	return flow, base.Version, nil
}

// fetch загружает версию flow по имени.
func (w *Worker) fetch(ctx context.Context, name string, version int) (*domain.FlowVersion, error) {
	fv, err := w.flows.GetVersionByName(ctx, name, version)
	if errors.Is(err, repo.ErrNotFound) {
		if version > 0 {
			return nil, fmt.Errorf("%w: %s version %d", ErrFlowNotFound, name, version)
		}
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", name, err)
	}
	return fv, nil
}
