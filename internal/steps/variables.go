package steps

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/genflow/internal/domain"
)

// Типы узлов для переменных run.
const (
	StepTypeSetVariable  = domain.KindSetVariable
	StepTypeGetVariable  = domain.KindGetVariable
	StepTypeGetVariables = domain.KindGetVariables

	fieldVariableName = domain.FieldVariableName
	fieldVariables    = domain.FieldVariables
)

// Variables — переменные одного run. Потокобезопасны.
//
// Порядок чтения и записи задаёт граф: у каждой переменной один узел
// set_variable, и все её читатели зависят от него.
type Variables struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewVariables создаёт пустой набор переменных.
func NewVariables() *Variables {
	return &Variables{vars: make(map[string]any)}
}

// Set устанавливает переменную.
func (v *Variables) Set(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vars[name] = domain.CloneValue(value)
}

// Get возвращает переменную.
func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.vars[name]
	return domain.CloneValue(value), ok
}

// Names возвращает имена установленных переменных.
func (v *Variables) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.vars))
	for name := range v.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// requireVars возвращает переменные запроса или ошибку конфигурации.
func requireVars(req *Request, kind string) (*Variables, error) {
	if req.Vars == nil {
		return nil, fmt.Errorf("%w: %s: run has no variable store", ErrInvalidConfig, kind)
	}
	return req.Vars, nil
}

// SetVariableStep — узел set_variable: сохраняет params.value в переменную variable_name.
type SetVariableStep struct{}

// NewSetVariableStep создаёт SetVariableStep.
func NewSetVariableStep() *SetVariableStep {
	return &SetVariableStep{}
}

// Kind возвращает тип узла.
func (s *SetVariableStep) Kind() string {
	return StepTypeSetVariable
}

// Execute сохраняет переменную.
func (s *SetVariableStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	vars, err := requireVars(req, StepTypeSetVariable)
	if err != nil {
		return nil, err
	}

	name := GetConfigString(req.Fields, fieldVariableName)
	if name == "" {
		return nil, fmt.Errorf("%w: %s: field %q is required", ErrInvalidConfig, StepTypeSetVariable, fieldVariableName)
	}

	value, ok := req.Params["value"]
	if !ok {
		return nil, fmt.Errorf("%w: %s: param \"value\" is required", ErrInvalidConfig, StepTypeSetVariable)
	}

	vars.Set(name, value)
	return EmptyResponse(), nil
}

// GetVariableStep — узел get_variable: возвращает переменную variable_name
// под первым объявленным output (или "value").
type GetVariableStep struct{}

// NewGetVariableStep создаёт GetVariableStep.
func NewGetVariableStep() *GetVariableStep {
	return &GetVariableStep{}
}

// Kind возвращает тип узла.
func (s *GetVariableStep) Kind() string {
	return StepTypeGetVariable
}

// Execute читает переменную.
func (s *GetVariableStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	vars, err := requireVars(req, StepTypeGetVariable)
	if err != nil {
		return nil, err
	}

	name := GetConfigString(req.Fields, fieldVariableName)
	value, ok := vars.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVariableNotFound, name)
	}

	output := "value"
	if len(req.Outputs) > 0 {
		output = req.Outputs[0]
	}
	return NewResponse(map[string]any{output: value}), nil
}

// GetVariablesStep — узел get_variables: поле variables задаёт output → имя переменной.
type GetVariablesStep struct{}

// NewGetVariablesStep создаёт GetVariablesStep.
func NewGetVariablesStep() *GetVariablesStep {
	return &GetVariablesStep{}
}

// Kind возвращает тип узла.
func (s *GetVariablesStep) Kind() string {
	return StepTypeGetVariables
}

// Execute читает несколько переменных.
func (s *GetVariablesStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	vars, err := requireVars(req, StepTypeGetVariables)
	if err != nil {
		return nil, err
	}

	mapping := GetConfigMapString(req.Fields, fieldVariables)
	outputs := make(map[string]any, len(mapping))
	for output, name := range mapping {
		value, ok := vars.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrVariableNotFound, name)
		}
		outputs[output] = value
	}

	return NewResponse(outputs), nil
}
