package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/engine"
	"github.com/shaiso/genflow/internal/steps"
	"github.com/shaiso/genflow/internal/telemetry"
)

// executeNode выполняет узел со всеми попытками и записывает итог в state.
func (o *Orchestrator) executeNode(ctx context.Context, state *RunState, node *engine.Node) {
	def := node.Def
	logger := telemetry.ForNode(telemetry.FromContext(ctx), def)

	// Run отменён, пока узел ждал слота: узел не запускался
	if ctx.Err() != nil {
		state.MarkPending(node.Name)
		logger.Debug("node not dispatched, run cancelled")
		return
	}

	start := time.Now()
	outputs, runErr := o.runAttempts(ctx, state, def)

	if runErr == nil {
		if err := state.MarkSucceeded(node.Name, outputs); err != nil {
			runErr = &RunError{Node: node.Name, Kind: ErrorKindOutputMismatch, Err: err}
		}
	}

	if runErr != nil {
		state.MarkFailed(node.Name, runErr)

		if o.continueOnError {
			if skipped := state.MarkSkipped(state.Graph.Descendants(node.Name)); len(skipped) > 0 {
				logger.Warn("dependents skipped", "nodes", skipped)
				for _, name := range skipped {
					o.nodeFinished(ctx, state, name)
				}
			}
		}
	}

	o.metrics.NodeFinished(def.Kind, string(state.Status(node.Name)), time.Since(start))
	o.nodeFinished(ctx, state, node.Name)
}

// runAttempts разрешает params и вызывает исполнителя по RetryPolicy.
//
// Params разрешаются один раз: все попытки получают одинаковые значения.
func (o *Orchestrator) runAttempts(ctx context.Context, state *RunState, def *domain.NodeDef) (map[string]any, *RunError) {
	logger := telemetry.ForNode(telemetry.FromContext(ctx), def)

	step, err := o.registry.Get(def.Kind)
	if err != nil {
		return nil, &RunError{Node: def.Name, Kind: ErrorKindUnknownKind, Err: fmt.Errorf("%w: %v", engine.ErrUnknownNodeKind, err)}
	}

	params, err := state.Resolver.ResolveParams(def.Params)
	if err != nil {
		return nil, &RunError{Node: def.Name, Kind: ErrorKindReference, Err: err}
	}

	policy := o.retryPolicy(state.Flow, def)
	timeout := o.timeout(state.Flow, def)

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		state.MarkRunning(def.Name, attempt)
		o.metrics.NodeAttempt(def.Kind)

		req := steps.NewRequest(def.Name, domain.CloneMap(params), def.Fields, def.Outputs, timeout)
		req.Vars = state.Vars

		outputs, runErr := o.attempt(ctx, step, req)
		if runErr == nil {
			return outputs, nil
		}

		if !runErr.retryable() || attempt >= maxAttempts || ctx.Err() != nil {
			return nil, runErr
		}

		delay := calculateBackoff(attempt, policy)
		logger.Warn("retrying node",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", runErr.Err,
		)

		// Ждём с учётом context
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &RunError{Node: def.Name, Kind: ErrorKindCancelled, Err: ctx.Err()}
		}
	}
}

// attempt выполняет одну попытку узла с таймаутом.
func (o *Orchestrator) attempt(ctx context.Context, step steps.Step, req *steps.Request) (map[string]any, *RunError) {
	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := step.Execute(attemptCtx, req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, &RunError{Node: req.Node, Kind: ErrorKindCancelled, Err: err}
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			return nil, &RunError{Node: req.Node, Kind: ErrorKindTimeout,
				Err: fmt.Errorf("%w after %s: %w", ErrNodeTimeout, req.Timeout, err)}
		default:
			return nil, &RunError{Node: req.Node, Kind: ErrorKindExecutor, Err: err}
		}
	}

	var outputs map[string]any
	if resp != nil {
		outputs = resp.Outputs
	}

	checked, err := checkOutputs(req.Outputs, outputs)
	if err != nil {
		return nil, &RunError{Node: req.Node, Kind: ErrorKindOutputMismatch, Err: err}
	}
	return checked, nil
}

// checkOutputs сверяет outputs исполнителя с объявленными.
//
// Каждый объявленный ключ обязателен. Необъявленные ключи отбрасываются,
// если узел объявил outputs; иначе записываются все.
func checkOutputs(declared []string, outputs map[string]any) (map[string]any, error) {
	if len(declared) == 0 {
		if outputs == nil {
			return map[string]any{}, nil
		}
		return outputs, nil
	}

	checked := make(map[string]any, len(declared))
	var missing []string
	for _, key := range declared {
		v, ok := outputs[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		checked[key] = v
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrOutputMismatch, missing)
	}
	return checked, nil
}

// retryPolicy выбирает политику: узел → defaults flow → оркестратор.
func (o *Orchestrator) retryPolicy(flow *domain.ComposedFlow, def *domain.NodeDef) *domain.RetryPolicy {
	switch {
	case def.Retry != nil:
		return def.Retry
	case flow.Defaults != nil && flow.Defaults.Retry != nil:
		return flow.Defaults.Retry
	case o.defaultRetry != nil:
		return o.defaultRetry
	default:
		return &domain.RetryPolicy{MaxAttempts: 1}
	}
}

// timeout выбирает таймаут попытки: узел → defaults flow → оркестратор.
func (o *Orchestrator) timeout(flow *domain.ComposedFlow, def *domain.NodeDef) time.Duration {
	switch {
	case def.TimeoutSec > 0:
		return time.Duration(def.TimeoutSec) * time.Second
	case flow.Defaults != nil && flow.Defaults.TimeoutSec > 0:
		return time.Duration(flow.Defaults.TimeoutSec) * time.Second
	default:
		return o.defaultTimeout
	}
}

// nodeFinished сохраняет результат узла и публикует node.finished.
func (o *Orchestrator) nodeFinished(ctx context.Context, state *RunState, node string) {
	result := state.Result(node)
	hookCtx := context.WithoutCancel(ctx)
	logger := telemetry.FromContext(ctx)
	if def := state.Flow.Node(node); def != nil {
		logger = telemetry.ForNode(logger, def)
	}
	telemetry.LogNodeResult(ctx, logger, &result)

	if o.recorder != nil {
		if err := o.recorder.SaveNodeResult(hookCtx, state.RunID(), &result); err != nil {
			logger.Warn("failed to save node result", "error", err)
		}
	}
	if o.events != nil {
		if err := o.events.PublishNodeFinished(hookCtx, state.Run, &result); err != nil {
			logger.Warn("failed to publish node.finished", "error", err)
		}
	}
}

// calculateBackoff вычисляет задержку перед retry.
func calculateBackoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	if policy == nil {
		return time.Second
	}

	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// delay = initialDelay * 2^(attempt-1)
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		// "fixed" или пусто — используем initialDelay
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
