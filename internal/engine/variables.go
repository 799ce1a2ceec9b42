package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/genflow/internal/domain"
)

// VarSource — переменные run, доступные Resolver (реализуется steps.Variables).
type VarSource interface {
	Get(name string) (any, bool)
}

// variableProducers возвращает таблицу переменная → узел set_variable.
//
// Переменная, которую устанавливают два узла, — ErrDuplicateVariable.
func variableProducers(nodes []domain.NodeDef) (map[string]string, error) {
	producers := make(map[string]string)
	for i := range nodes {
		node := &nodes[i]
		if node.Kind != domain.KindSetVariable {
			continue
		}
		name := node.Field(domain.FieldVariableName)
		if name == "" {
			continue
		}
		if prev, ok := producers[name]; ok {
			return nil, NewValidationError(node.Name, domain.FieldVariableName,
				fmt.Sprintf("variable %s is already set by node %s", name, prev), ErrDuplicateVariable)
		}
		producers[name] = node.Name
	}
	return producers, nil
}

// variablesRead возвращает отсортированные имена переменных, которые читает
// узел get_variable или get_variables.
func variablesRead(node *domain.NodeDef) []string {
	switch node.Kind {
	case domain.KindGetVariable:
		if name := node.Field(domain.FieldVariableName); name != "" {
			return []string{name}
		}

	case domain.KindGetVariables:
		set := make(map[string]bool)
		switch m := node.Fields[domain.FieldVariables].(type) {
		case map[string]any:
			for _, v := range m {
				if name, ok := v.(string); ok && name != "" {
					set[name] = true
				}
			}
		case map[string]string:
			for _, name := range m {
				if name != "" {
					set[name] = true
				}
			}
		}
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	}
	return nil
}

// producedVariables возвращает множество переменных, которые устанавливают узлы.
// Дубликаты не проверяются (это делает BuildGraph).
func producedVariables(nodes []domain.NodeDef) map[string]bool {
	set := make(map[string]bool)
	for i := range nodes {
		if nodes[i].Kind != domain.KindSetVariable {
			continue
		}
		if name := nodes[i].Field(domain.FieldVariableName); name != "" {
			set[name] = true
		}
	}
	return set
}
