package steps

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/genflow/internal/domain"
)

// Ключ поля function_call.
const fieldFunction = "function"

// Function — пользовательская функция для узлов function_call.
//
// Получает разрешённые params узла и возвращает outputs.
type Function func(ctx context.Context, params map[string]any) (map[string]any, error)

// Functions — таблица функций по имени. Потокобезопасна.
type Functions struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewFunctions создаёт пустую таблицу функций.
func NewFunctions() *Functions {
	return &Functions{
		funcs: make(map[string]Function),
	}
}

// Register регистрирует функцию. Функция с тем же именем перезаписывается.
func (f *Functions) Register(name string, fn Function) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

// Get возвращает функцию по имени.
func (f *Functions) Get(name string) (Function, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.funcs[name]
	return fn, ok
}

// Names возвращает имена зарегистрированных функций.
func (f *Functions) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.funcs))
	for name := range f.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FunctionStep — исполнитель узлов function_call.
//
// Поля узла:
//
//	function: read_csv   # имя функции в таблице Functions
//
// Params передаются функции как есть, результат функции становится outputs узла.
type FunctionStep struct {
	funcs *Functions
}

// NewFunctionStep создаёт FunctionStep. nil funcs означает пустую таблицу.
func NewFunctionStep(funcs *Functions) *FunctionStep {
	if funcs == nil {
		funcs = NewFunctions()
	}
	return &FunctionStep{funcs: funcs}
}

// Kind возвращает тип узла.
func (s *FunctionStep) Kind() string {
	return domain.KindFunctionCall
}

// Functions возвращает таблицу функций шага.
func (s *FunctionStep) Functions() *Functions {
	return s.funcs
}

// Execute вызывает функцию узла.
func (s *FunctionStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	name := GetConfigString(req.Fields, fieldFunction)
	if name == "" {
		return nil, fmt.Errorf("%w: %s: field %q is required", ErrInvalidConfig, domain.KindFunctionCall, fieldFunction)
	}

	fn, ok := s.funcs.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}

	outputs, err := fn(ctx, req.Params)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", name, err)
	}

	return NewResponse(outputs), nil
}
