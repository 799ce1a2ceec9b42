package engine

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/shaiso/genflow/internal/domain"
)

// Resolver подставляет outputs выполненных узлов в параметры.
//
// Resolver знает объявленные outputs всех узлов flow (для ErrUnknownNode и
// ErrUnknownOutputKey) и читает значения из Outputs текущего run. Первый
// сегмент ссылки ищется среди узлов, затем среди inputs flow, затем среди
// переменных run.
//
// Значения inputs и переменных подставляются как данные: текст {{ ... }}
// внутри них не разбирается.
type Resolver struct {
	declared  map[string][]string
	outputs   *Outputs
	inputs    map[string]bool
	bound     map[string]any
	variables map[string]bool
	vars      VarSource
}

// NewResolver создаёт Resolver для композированного flow.
func NewResolver(flow *domain.ComposedFlow, outputs *Outputs) *Resolver {
	declared := make(map[string][]string, len(flow.Nodes))
	for i := range flow.Nodes {
		declared[flow.Nodes[i].Name] = flow.Nodes[i].Outputs
	}
	inputs := make(map[string]bool, len(flow.Inputs))
	for _, name := range flow.Inputs {
		inputs[name] = true
	}
	return &Resolver{
		declared:  declared,
		outputs:   outputs,
		inputs:    inputs,
		variables: producedVariables(flow.Nodes),
	}
}

// WithInputs задаёт значения inputs run (результат BindInputs).
// Вызывается до начала разрешения.
func (r *Resolver) WithInputs(bound map[string]any) *Resolver {
	r.bound = bound
	return r
}

// WithVariables задаёт переменные run. Вызывается до начала разрешения.
func (r *Resolver) WithVariables(vars VarSource) *Resolver {
	r.vars = vars
	return r
}

// Resolve возвращает значение с подставленными ссылками.
// Литералы возвращаются без изменений.
func (r *Resolver) Resolve(value any) (any, error) {
	return RewriteRefs(value, r.Lookup)
}

// ResolveParams разрешает все параметры узла.
func (r *Resolver) ResolveParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return make(map[string]any), nil
	}

	resolved, err := r.Resolve(params)
	if err != nil {
		return nil, err
	}

	result, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolve params: expected map, got %T", resolved)
	}
	return result, nil
}

// Lookup возвращает значение, на которое указывает ссылка.
//
// Порядок проверок: узел существует → ключ объявлен → узел выполнен → путь существует.
func (r *Resolver) Lookup(ref Ref) (any, error) {
	node := ref.Node()

	declared, exists := r.declared[node]
	if !exists {
		switch {
		case r.inputs[node]:
			return r.lookupInput(ref)
		case r.variables[node]:
			return r.lookupVariable(ref)
		}
		return nil, &ReferenceError{Token: ref.Raw, Target: node, Err: ErrUnknownNode}
	}

	key := ref.Key()
	if key != "" && !slices.Contains(declared, key) {
		return nil, &ReferenceError{Token: ref.Raw, Target: node, Err: fmt.Errorf("%w: %s", ErrUnknownOutputKey, key)}
	}

	outputs, ok := r.outputs.Get(node)
	if !ok {
		return nil, &ReferenceError{Token: ref.Raw, Target: node, Err: ErrNotYetExecuted}
	}

	if key == "" {
		return domain.CloneMap(outputs), nil
	}

	value, ok := outputs[key]
	if !ok {
		return nil, &ReferenceError{Token: ref.Raw, Target: node, Err: fmt.Errorf("%w: %s", ErrUnknownOutputKey, key)}
	}

	value, err := WalkPath(value, ref.Path[2:])
	if err != nil {
		return nil, &ReferenceError{Token: ref.Raw, Target: node, Err: err}
	}
	return domain.CloneValue(value), nil
}

// lookupInput возвращает значение input run.
func (r *Resolver) lookupInput(ref Ref) (any, error) {
	value, ok := r.bound[ref.Node()]
	if !ok {
		return nil, &ReferenceError{Token: ref.Raw, Err: fmt.Errorf("%w: %s", ErrUnboundInput, ref.Node())}
	}
	value, err := WalkPath(value, ref.Path[1:])
	if err != nil {
		return nil, &ReferenceError{Token: ref.Raw, Err: err}
	}
	return domain.CloneValue(value), nil
}

// lookupVariable возвращает значение переменной run.
func (r *Resolver) lookupVariable(ref Ref) (any, error) {
	var (
		value any
		ok    bool
	)
	if r.vars != nil {
		value, ok = r.vars.Get(ref.Node())
	}
	if !ok {
		return nil, &ReferenceError{Token: ref.Raw, Err: fmt.Errorf("%w: variable %s is not set yet", ErrNotYetExecuted, ref.Node())}
	}
	value, err := WalkPath(value, ref.Path[1:])
	if err != nil {
		return nil, &ReferenceError{Token: ref.Raw, Err: err}
	}
	return value, nil
}

// WalkPath спускается по вложенным map и slice.
// Сегменты для slice — индексы.
func WalkPath(value any, path []string) (any, error) {
	current := value
	for i, seg := range path {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %q at segment %d", ErrPathNotFound, seg, i)
			}
			current = next

		case map[string]string:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %q at segment %d", ErrPathNotFound, seg, i)
			}
			current = next

		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("%w: index %q out of range", ErrPathNotFound, seg)
			}
			current = v[idx]

		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("%w: index %q out of range", ErrPathNotFound, seg)
			}
			current = v[idx]

		default:
			return nil, fmt.Errorf("%w: cannot descend into %T at %q", ErrPathNotFound, current, seg)
		}
	}
	return current, nil
}
