package steps

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry — реестр исполнителей по типу узла.
//
// Позволяет регистрировать и получать реализации Step по типу.
// Потокобезопасен.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]Step),
	}
}

// DefaultRegistry создаёт реестр со всеми стандартными шагами.
//
// funcs — таблица функций для function_call, llm — клиент для llm_service
// (может быть nil: узлы llm_service тогда завершаются ошибкой конфигурации).
func DefaultRegistry(funcs *Functions, llm ChatCompleter) *Registry {
	r := NewRegistry()

	// Регистрируем все стандартные шаги
	r.Register(NewFunctionStep(funcs))
	r.Register(NewLLMStep(llm, nil))
	r.Register(NewTransformStep())
	r.Register(NewDelayStep())
	r.Register(NewHTTPStep())
	r.Register(NewSetVariableStep())
	r.Register(NewGetVariableStep())
	r.Register(NewGetVariablesStep())

	return r
}

// Register регистрирует шаг в реестре.
// Если шаг с таким типом уже существует, он будет перезаписан.
func (r *Registry) Register(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.Kind()] = step
}

// Get возвращает шаг по типу.
// Возвращает ErrStepNotFound, если шаг не найден.
func (r *Registry) Get(kind string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, exists := r.steps[kind]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, kind)
	}

	return step, nil
}

// Has проверяет, зарегистрирован ли шаг.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.steps[kind]
	return exists
}

// Kinds возвращает список всех зарегистрированных типов.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.steps))
	for k := range r.steps {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Count возвращает количество зарегистрированных шагов.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

// Unregister удаляет шаг из реестра.
func (r *Registry) Unregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.steps, kind)
}

// StepFunc — адаптер, позволяющий использовать функцию как Step.
type StepFunc struct {
	kind string
	fn   func(ctx context.Context, req *Request) (*Response, error)
}

// NewStepFunc создаёт Step из функции.
func NewStepFunc(kind string, fn func(ctx context.Context, req *Request) (*Response, error)) *StepFunc {
	return &StepFunc{kind: kind, fn: fn}
}

// Kind возвращает тип узла.
func (s *StepFunc) Kind() string {
	return s.kind
}

// Execute вызывает функцию.
func (s *StepFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return s.fn(ctx, req)
}
