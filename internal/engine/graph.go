package engine

import (
	"fmt"
	"slices"
	"sort"

	"github.com/shaiso/genflow/internal/domain"
)

// Node — узел в графе зависимостей.
type Node struct {
	// Def — определение узла из композированного flow.
	Def *domain.NodeDef

	// Name — имя узла.
	Name string

	// Index — позиция узла в порядке объявления.
	Index int

	// Layer — номер слоя готовности (0 — узлы без зависимостей).
	Layer int

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, на outputs которых ссылается этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые ссылаются на этот узел.
	Dependents []*Node
}

// Graph — направленный ациклический граф узлов flow.
//
// Ребро идёт от узла, на который ссылаются, к узлу, который ссылается.
type Graph struct {
	// Nodes — все узлы графа (имя → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей, в порядке объявления.
	RootNodes []*Node

	// Order — топологический порядок. Среди независимых узлов — порядок объявления.
	Order []*Node

	// Layers — слои готовности: узлы слоя зависят только от предыдущих слоёв.
	Layers [][]*Node
}

// BuildGraph строит граф зависимостей композированного flow.
//
// Зависимости берутся из ссылок в params и из переменных: читатель переменной
// (get_variable, get_variables, {{ var }}) зависит от узла set_variable, который
// её устанавливает. Ссылки на объявленные inputs рёбер не создают.
//
// Ссылка на отсутствующий узел — ErrUnknownNodeReference, на необъявленный
// output — ErrUnknownOutputKey, чтение неустановленной переменной —
// ErrUnknownVariable, цикл — *CycleError.
func BuildGraph(flow *domain.ComposedFlow) (*Graph, error) {
	if flow == nil || len(flow.Nodes) == 0 {
		return nil, ErrEmptyFlow
	}

	g := &Graph{
		Nodes: make(map[string]*Node, len(flow.Nodes)),
	}
	declared := make([]*Node, 0, len(flow.Nodes))

	// Первый проход: создаём все узлы
	for i := range flow.Nodes {
		def := &flow.Nodes[i]
		if def.Name == "" {
			return nil, NewValidationError("", "name", "node has empty name", ErrEmptyNodeName)
		}
		if _, exists := g.Nodes[def.Name]; exists {
			return nil, NewValidationError(def.Name, "name",
				fmt.Sprintf("duplicate node name: %s", def.Name), ErrDuplicateNode)
		}

		node := &Node{
			Def:        def,
			Name:       def.Name,
			Index:      i,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
		g.Nodes[def.Name] = node
		declared = append(declared, node)
	}

	producers, err := variableProducers(flow.Nodes)
	if err != nil {
		return nil, err
	}
	inputs := make(map[string]bool, len(flow.Inputs))
	for _, name := range flow.Inputs {
		if _, isNode := g.Nodes[name]; !isNode {
			inputs[name] = true
		}
	}
	for name, producer := range producers {
		if _, isNode := g.Nodes[name]; isNode || inputs[name] {
			return nil, NewValidationError(producer, domain.FieldVariableName,
				fmt.Sprintf("variable %s shadows a node or input of the same name", name), ErrDuplicateVariable)
		}
	}

	l := &linker{graph: g, producers: producers, inputs: inputs}

	// Второй проход: связываем узлы по ссылкам и переменным
	for _, node := range declared {
		if err := l.link(node); err != nil {
			return nil, err
		}
	}

	for _, node := range declared {
		if node.InDegree == 0 {
			g.RootNodes = append(g.RootNodes, node)
		}
	}

	if err := g.topologicalSort(declared); err != nil {
		return nil, err
	}

	return g, nil
}

// linker связывает узлы графа.
type linker struct {
	graph     *Graph
	producers map[string]string // переменная → узел set_variable
	inputs    map[string]bool   // объявленные inputs flow
}

// link добавляет рёбра для всех ссылок и переменных узла.
func (l *linker) link(node *Node) error {
	g := l.graph

	refs, err := CollectRefs(node.Def.Params)
	if err != nil {
		return NewValidationError(node.Name, "params", err.Error(), err)
	}

	// Порядок обхода map случайный — сортируем, чтобы ошибки были детерминированными.
	sort.Slice(refs, func(i, j int) bool { return refs[i].Raw < refs[j].Raw })

	for _, ref := range refs {
		head := ref.Node()
		target, exists := g.Nodes[head]
		if !exists {
			if producer, ok := l.producers[head]; ok {
				g.addEdge(g.Nodes[producer], node)
				continue
			}
			if l.inputs[head] {
				continue
			}
			return NewValidationError(node.Name, "params",
				fmt.Sprintf("reference %s names unknown node: %s", ref.Raw, head), ErrUnknownNodeReference)
		}

		if key := ref.Key(); key != "" && !slices.Contains(target.Def.Outputs, key) {
			return NewValidationError(node.Name, "params",
				fmt.Sprintf("reference %s: node %s does not declare output %s", ref.Raw, target.Name, key), ErrUnknownOutputKey)
		}

		g.addEdge(target, node)
	}

	for _, name := range variablesRead(node.Def) {
		producer, ok := l.producers[name]
		if !ok {
			return NewValidationError(node.Name, domain.FieldVariableName,
				fmt.Sprintf("variable %s is not set by any node", name), ErrUnknownVariable)
		}
		g.addEdge(g.Nodes[producer], node)
	}

	slices.SortFunc(node.DependsOn, byIndex)
	return nil
}

// addEdge добавляет ребро между узлами.
// Дубликаты игнорируются, чтобы не учитывать InDegree дважды.
func (g *Graph) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep == from {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана) по слоям.
// Возвращает *CycleError, если обнаружен цикл.
func (g *Graph) topologicalSort(declared []*Node) error {
	// Копируем inDegree, чтобы не модифицировать оригинал
	inDegree := make(map[*Node]int, len(declared))
	for _, node := range declared {
		inDegree[node] = node.InDegree
	}

	layer := slices.Clone(g.RootNodes)
	order := make([]*Node, 0, len(declared))

	for depth := 0; len(layer) > 0; depth++ {
		g.Layers = append(g.Layers, layer)

		var next []*Node
		for _, node := range layer {
			node.Layer = depth
			order = append(order, node)

			for _, dependent := range node.Dependents {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}

		slices.SortFunc(next, byIndex)
		layer = next
	}

	// Если не все узлы обработаны — есть цикл
	if len(order) != len(declared) {
		remaining := make(map[*Node]bool)
		for _, node := range declared {
			if inDegree[node] > 0 {
				remaining[node] = true
			}
		}
		return &CycleError{Path: findCycle(declared, remaining)}
	}

	g.Order = order
	return nil
}

// findCycle ищет конкретный цикл среди необработанных узлов (DFS).
//
// Путь идёт по направлению рёбер и начинается с узла, объявленного раньше остальных.
func findCycle(declared []*Node, remaining map[*Node]bool) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[*Node]int, len(remaining))
	var stack []*Node
	var cycle []*Node

	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		color[n] = grey
		stack = append(stack, n)

		next := slices.Clone(n.Dependents)
		slices.SortFunc(next, byIndex)
		for _, m := range next {
			if !remaining[m] {
				continue
			}
			switch color[m] {
			case grey:
				start := slices.Index(stack, m)
				cycle = slices.Clone(stack[start:])
				return true
			case white:
				if visit(m) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range declared {
		if remaining[n] && color[n] == white && visit(n) {
			break
		}
	}

	if len(cycle) == 0 {
		return nil
	}

	// Поворачиваем цикл так, чтобы он начинался с самого раннего узла
	first := 0
	for i, n := range cycle {
		if n.Index < cycle[first].Index {
			first = i
		}
	}

	path := make([]string, 0, len(cycle))
	for i := range cycle {
		path = append(path, cycle[(first+i)%len(cycle)].Name)
	}
	return path
}

// byIndex сравнивает узлы по порядку объявления.
func byIndex(a, b *Node) int {
	return a.Index - b.Index
}

// GetReadyNodes возвращает узлы, готовые к выполнению, в порядке объявления.
//
// Узел готов, если:
// - Все его зависимости завершены (в completed)
// - Сам узел ещё не завершён и не в процессе (не в completed и не в running)
func (g *Graph) GetReadyNodes(completed, running map[string]bool) []*Node {
	ready := make([]*Node, 0)

	for _, node := range g.Order {
		if completed[node.Name] || running[node.Name] {
			continue
		}

		allDepsCompleted := true
		for _, dep := range node.DependsOn {
			if !completed[dep.Name] {
				allDepsCompleted = false
				break
			}
		}

		if allDepsCompleted {
			ready = append(ready, node)
		}
	}

	return ready
}

// GetNode возвращает узел по имени.
func (g *Graph) GetNode(name string) *Node {
	return g.Nodes[name]
}

// Size возвращает количество узлов в графе.
func (g *Graph) Size() int {
	return len(g.Nodes)
}

// OrderNames возвращает имена узлов в топологическом порядке.
func (g *Graph) OrderNames() []string {
	names := make([]string, len(g.Order))
	for i, node := range g.Order {
		names[i] = node.Name
	}
	return names
}

// LayerNames возвращает имена узлов по слоям.
func (g *Graph) LayerNames() [][]string {
	layers := make([][]string, len(g.Layers))
	for i, layer := range g.Layers {
		layers[i] = make([]string, len(layer))
		for j, node := range layer {
			layers[i][j] = node.Name
		}
	}
	return layers
}

// Descendants возвращает все узлы, транзитивно зависящие от name,
// в топологическом порядке.
func (g *Graph) Descendants(name string) []string {
	start, ok := g.Nodes[name]
	if !ok {
		return nil
	}

	reached := make(map[*Node]bool)
	queue := slices.Clone(start.Dependents)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if reached[node] {
			continue
		}
		reached[node] = true
		queue = append(queue, node.Dependents...)
	}

	result := make([]string, 0, len(reached))
	for _, node := range g.Order {
		if reached[node] {
			result = append(result, node.Name)
		}
	}
	return result
}

// IsComplete проверяет, все ли узлы завершены.
func (g *Graph) IsComplete(completed map[string]bool) bool {
	for name := range g.Nodes {
		if !completed[name] {
			return false
		}
	}
	return true
}
