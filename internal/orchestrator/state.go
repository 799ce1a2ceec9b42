package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/engine"
	"github.com/shaiso/genflow/internal/steps"
)

// RunState — состояние выполнения одного run в памяти.
//
// Каждый run владеет своим графом, хранилищем outputs, переменными
// и таблицей статусов узлов. Между runs ничего не разделяется.
type RunState struct {
	// Run — данные run.
	Run *domain.Run

	// Flow — композированный flow.
	Flow *domain.ComposedFlow

	// Graph — граф зависимостей узлов.
	Graph *engine.Graph

	// Outputs — хранилище outputs узлов.
	Outputs *engine.Outputs

	// Resolver — подстановка ссылок из Outputs, inputs и переменных run.
	Resolver *engine.Resolver

	// Vars — переменные run.
	Vars *steps.Variables

	// nodes — статусы и результаты узлов (имя → результат).
	nodes map[string]*domain.NodeResult

	// errs — ошибки упавших узлов.
	errs map[string]*RunError

	mu sync.RWMutex
}

// NewRunState создаёт RunState. Все узлы в статусе PENDING.
func NewRunState(run *domain.Run, flow *domain.ComposedFlow, graph *engine.Graph) *RunState {
	outputs := engine.NewOutputs()

	nodes := make(map[string]*domain.NodeResult, graph.Size())
	for _, node := range graph.Order {
		nodes[node.Name] = &domain.NodeResult{
			Node:   node.Name,
			Kind:   node.Def.Kind,
			Status: domain.NodeStatusPending,
		}
	}

	vars := steps.NewVariables()

	return &RunState{
		Run:      run,
		Flow:     flow,
		Graph:    graph,
		Outputs:  outputs,
		Resolver: engine.NewResolver(flow, outputs).WithVariables(vars),
		Vars:     vars,
		nodes:    nodes,
		errs:     make(map[string]*RunError),
	}
}

// RunID возвращает ID run.
func (s *RunState) RunID() uuid.UUID {
	return s.Run.ID
}

// Status возвращает статус узла.
func (s *RunState) Status(node string) domain.NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.nodes[node]; ok {
		return r.Status
	}
	return ""
}

// MarkReady помечает узел как готовый к запуску.
func (s *RunState) MarkReady(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[node].Status = domain.NodeStatusReady
}

// MarkPending возвращает узел в PENDING: он был готов, но не запущен.
func (s *RunState) MarkPending(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nodes[node].Status == domain.NodeStatusReady {
		s.nodes[node].Status = domain.NodeStatusPending
	}
}

// MarkRunning помечает начало попытки узла.
func (s *RunState) MarkRunning(node string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.nodes[node]
	r.Status = domain.NodeStatusRunning
	r.Attempts = attempt
	if r.StartedAt == nil {
		now := time.Now()
		r.StartedAt = &now
	}
}

// MarkSucceeded записывает outputs и помечает узел SUCCEEDED.
//
// Outputs становятся видимыми до смены статуса: узел никогда не виден
// как SUCCEEDED без полного набора outputs.
func (s *RunState) MarkSucceeded(node string, outputs map[string]any) error {
	if err := s.Outputs.Record(node, outputs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	r := s.nodes[node]
	r.Status = domain.NodeStatusSucceeded
	r.Outputs = domain.CloneMap(outputs)
	r.FinishedAt = &now
	return nil
}

// MarkFailed помечает узел FAILED.
func (s *RunState) MarkFailed(node string, runErr *RunError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	r := s.nodes[node]
	r.Status = domain.NodeStatusFailed
	r.ErrorKind = runErr.Kind
	r.Error = runErr.Err.Error()
	r.FinishedAt = &now
	s.errs[node] = runErr
}

// Errors возвращает ошибки упавших узлов в топологическом порядке.
func (s *RunState) Errors() []*RunError {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []*RunError
	for _, node := range s.Graph.Order {
		if err, ok := s.errs[node.Name]; ok {
			errs = append(errs, err)
		}
	}
	return errs
}

// MarkSkipped помечает ещё не запущенные узлы SKIPPED.
// Возвращает имена узлов, статус которых изменился.
func (s *RunState) MarkSkipped(names []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []string
	for _, name := range names {
		r, ok := s.nodes[name]
		if !ok || r.Status != domain.NodeStatusPending {
			continue
		}
		r.Status = domain.NodeStatusSkipped
		skipped = append(skipped, name)
	}
	return skipped
}

// Result возвращает копию результата узла.
func (s *RunState) Result(node string) domain.NodeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := *s.nodes[node]
	r.Outputs = domain.CloneMap(r.Outputs)
	return r
}

// Results возвращает копии результатов всех узлов.
func (s *RunState) Results() map[string]domain.NodeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make(map[string]domain.NodeResult, len(s.nodes))
	for name, r := range s.nodes {
		c := *r
		c.Outputs = domain.CloneMap(r.Outputs)
		results[name] = c
	}
	return results
}

// HasFailed проверяет, есть ли упавшие узлы.
func (s *RunState) HasFailed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.nodes {
		if r.Status == domain.NodeStatusFailed {
			return true
		}
	}
	return false
}

// AllSucceeded проверяет, что все узлы SUCCEEDED.
func (s *RunState) AllSucceeded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.nodes {
		if r.Status != domain.NodeStatusSucceeded {
			return false
		}
	}
	return true
}

// Stats возвращает статистику выполнения.
func (s *RunState) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RunStats{TotalNodes: len(s.nodes)}
	for _, r := range s.nodes {
		switch r.Status {
		case domain.NodeStatusSucceeded:
			stats.SucceededNodes++
		case domain.NodeStatusFailed:
			stats.FailedNodes++
		case domain.NodeStatusSkipped:
			stats.SkippedNodes++
		case domain.NodeStatusRunning:
			stats.RunningNodes++
		default:
			stats.PendingNodes++
		}
	}
	return stats
}

// RunStats — статистика выполнения run.
type RunStats struct {
	TotalNodes     int
	SucceededNodes int
	FailedNodes    int
	SkippedNodes   int
	RunningNodes   int
	PendingNodes   int
}
