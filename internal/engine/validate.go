package engine

import (
	"fmt"

	"github.com/shaiso/genflow/internal/domain"
)

// KindSet — набор зарегистрированных типов узлов (реализуется steps.Registry).
type KindSet interface {
	Has(kind string) bool
}

// Допустимые стратегии задержки между попытками.
var validBackoffs = map[string]bool{
	"":            true,
	"fixed":       true,
	"exponential": true,
}

// Validate выполняет статическую проверку композированного flow.
//
// Проверяет:
//   - Наличие узлов
//   - Непустые, уникальные имена, пригодные для ссылок
//   - Зарегистрированные типы узлов (если kinds != nil)
//   - Уникальность объявленных outputs
//   - Корректность retry политик
//
// Ссылки и циклы проверяет BuildGraph.
func Validate(flow *domain.ComposedFlow, kinds KindSet) error {
	if flow == nil || len(flow.Nodes) == 0 {
		return ErrEmptyFlow
	}

	names := make(map[string]bool, len(flow.Nodes))
	for i := range flow.Nodes {
		node := &flow.Nodes[i]

		if err := ValidateNode(node, names, kinds); err != nil {
			return err
		}
	}

	if flow.Defaults != nil {
		if err := validateRetry("", flow.Defaults.Retry); err != nil {
			return err
		}
	}

	return nil
}

// ValidateNode валидирует один узел.
// names — уже встреченные имена (для проверки уникальности).
func ValidateNode(node *domain.NodeDef, names map[string]bool, kinds KindSet) error {
	if node.Name == "" {
		return NewValidationError("", "name", "node has empty name", ErrEmptyNodeName)
	}

	if names[node.Name] {
		return NewValidationError(node.Name, "name",
			fmt.Sprintf("duplicate node name: %s", node.Name), ErrDuplicateNode)
	}
	names[node.Name] = true

	if !validSegment(node.Name) {
		return NewValidationError(node.Name, "name",
			"node name must match [A-Za-z0-9_-]+", ErrInvalidNodeName)
	}

	if err := validateKind(node, kinds); err != nil {
		return err
	}

	keys := make(map[string]bool, len(node.Outputs))
	for _, key := range node.Outputs {
		if !validSegment(key) {
			return NewValidationError(node.Name, "outputs",
				fmt.Sprintf("invalid output key: %q", key), ErrInvalidNodeName)
		}
		if keys[key] {
			return NewValidationError(node.Name, "outputs",
				fmt.Sprintf("output %s declared twice", key), ErrDuplicateOutputKey)
		}
		keys[key] = true
	}

	if node.TimeoutSec < 0 {
		return NewValidationError(node.Name, "timeout_sec", "timeout must not be negative", ErrInvalidRetryPolicy)
	}

	return validateRetry(node.Name, node.Retry)
}

// validateKind проверяет, что для типа узла есть исполнитель.
func validateKind(node *domain.NodeDef, kinds KindSet) error {
	if node.Kind == "" {
		return NewValidationError(node.Name, "type",
			"node has empty type", ErrUnknownNodeKind)
	}

	if node.Kind == domain.KindSubFlow {
		return NewValidationError(node.Name, "type",
			"sub_flow node must be composed before execution", ErrUnknownNodeKind)
	}

	if kinds != nil && !kinds.Has(node.Kind) {
		return NewValidationError(node.Name, "type",
			fmt.Sprintf("no executor registered for type: %s", node.Kind), ErrUnknownNodeKind)
	}

	return nil
}

// validateRetry проверяет retry политику.
func validateRetry(node string, policy *domain.RetryPolicy) error {
	if policy == nil {
		return nil
	}

	if policy.MaxAttempts < 0 {
		return NewValidationError(node, "retry",
			"max_attempts must not be negative", ErrInvalidRetryPolicy)
	}

	if !validBackoffs[policy.Backoff] {
		return NewValidationError(node, "retry",
			fmt.Sprintf("unknown backoff: %s", policy.Backoff), ErrInvalidRetryPolicy)
	}

	if policy.InitialDelayMs < 0 || policy.MaxDelayMs < 0 {
		return NewValidationError(node, "retry",
			"delays must not be negative", ErrInvalidRetryPolicy)
	}

	return nil
}

// FreeInputs возвращает внешние входы композированного flow: объявленные inputs
// и первые сегменты ссылок, которые не называют узел или переменную flow.
// Результат отсортирован.
func FreeInputs(flow *domain.ComposedFlow) ([]string, error) {
	local := make(map[string]bool, len(flow.Nodes))
	for i := range flow.Nodes {
		local[flow.Nodes[i].Name] = true
	}
	return freeInputs(flow.Nodes, flow.Outputs, local, flow.Inputs)
}

// CheckFlow проверяет flow без run inputs и строит его граф.
//
// Ссылки на свободные входы ({{ data }}) считаются внешними значениями и не
// создают рёбер, поэтому документ под-flow проверяется так же, как базовый.
// Остальные проверки — как у Validate и BuildGraph.
func CheckFlow(flow *domain.ComposedFlow, kinds KindSet) (*Graph, error) {
	if err := Validate(flow, kinds); err != nil {
		return nil, err
	}

	free, err := FreeInputs(flow)
	if err != nil {
		return nil, err
	}
	if len(free) == 0 {
		return BuildGraph(flow)
	}

	isFree := make(map[string]bool, len(free))
	for _, name := range free {
		isFree[name] = true
	}
	stub := func(ref Ref) (any, error) {
		if isFree[ref.Node()] {
			return "", nil
		}
		return ref.Raw, nil
	}

	detached := &domain.ComposedFlow{
		Name:     flow.Name,
		Defaults: flow.Defaults,
		Nodes:    make([]domain.NodeDef, len(flow.Nodes)),
	}
	for i := range flow.Nodes {
		n := flow.Nodes[i].Clone()
		params, err := RewriteRefs(n.Params, stub)
		if err != nil {
			return nil, NewValidationError(n.Name, "params", err.Error(), err)
		}
		if params != nil {
			n.Params = params.(map[string]any)
		}
		detached.Nodes[i] = n
	}
	return BuildGraph(detached)
}
