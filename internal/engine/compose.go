package engine

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/shaiso/genflow/internal/domain"
)

// NamespaceSep — разделитель между именем вызывающего узла и именем узла под-flow.
//
// Точка занята путями ссылок, поэтому узел clean_data под-flow, вызванного
// узлом process_data, получает имя process_data__clean_data.
const NamespaceSep = "__"

// Поля узла sub_flow.
const (
	// SubFlowField — алиас под-flow в наборе subs.
	SubFlowField = "flow"

	// SubFlowFileField — путь к файлу под-flow (используется загрузчиком CLI).
	SubFlowFileField = "file"
)

// Compose объединяет базовый документ с именованными под-flow в один плоский flow.
//
// Узел базового документа с типом sub_flow и полем flow: <alias> заменяется узлами
// документа subs[alias]. Узлы под-flow получают имена <вызывающий узел>__<узел>,
// ссылки между ними переписываются. Свободные переменные под-flow ({{ data }})
// и объявленные inputs привязываются к params вызывающего узла по имени.
// Сам вызывающий узел становится узлом transform с тем же именем: его params —
// outputs под-flow, поэтому ссылки {{ process_data.processed_data }} продолжают работать.
//
// Вложенные под-flow разворачиваются рекурсивно. Функция не меняет аргументы.
func Compose(base *domain.FlowDoc, subs map[string]*domain.FlowDoc) (*domain.ComposedFlow, error) {
	if base == nil {
		return nil, &CompositionError{Message: "base document is nil", Err: ErrEmptyFlow}
	}

	c := &composer{subs: subs}
	nodes, err := c.expand(base, "", nil)
	if err != nil {
		return nil, err
	}

	flow := &domain.ComposedFlow{
		Name:        base.Name,
		Description: base.Description,
		Schedule:    base.Schedule,
		Defaults:    base.Defaults,
		Nodes:       nodes,
		Outputs:     domain.CloneMap(base.Outputs),
	}
	if base.Inputs != nil {
		flow.Inputs = append([]string(nil), base.Inputs...)
	}
	return flow, nil
}

// composer хранит набор под-flow на время одной композиции.
type composer struct {
	subs map[string]*domain.FlowDoc
}

// expand разворачивает документ в плоский список узлов.
//
// origin — путь алиасов, из которого пришёл документ ("" для базового).
// stack — алиасы, которые сейчас разворачиваются (для обнаружения рекурсии).
func (c *composer) expand(doc *domain.FlowDoc, origin string, stack []string) ([]domain.NodeDef, error) {
	alias := ""
	if len(stack) > 0 {
		alias = stack[len(stack)-1]
	}

	// Собственные имена документа: пустые и дубликаты — ошибка.
	own := make(map[string]bool, len(doc.Nodes))
	for i := range doc.Nodes {
		name := doc.Nodes[i].Name
		if name == "" {
			return nil, &CompositionError{Flow: alias, Message: fmt.Sprintf("node %d has empty name", i), Err: ErrEmptyNodeName}
		}
		if own[name] {
			return nil, &CompositionError{Flow: alias, Node: name, Message: "duplicate node name", Err: ErrDuplicateNode}
		}
		own[name] = true
	}

	result := make([]domain.NodeDef, 0, len(doc.Nodes))
	seen := make(map[string]bool, len(doc.Nodes))
	add := func(n domain.NodeDef) error {
		if seen[n.Name] {
			return &CompositionError{Flow: alias, Node: n.Name, Message: "name already used in flow", Err: ErrNameCollision}
		}
		seen[n.Name] = true
		result = append(result, n)
		return nil
	}

	for i := range doc.Nodes {
		node := &doc.Nodes[i]

		if node.Kind != domain.KindSubFlow {
			n := node.Clone()
			n.Origin = joinOrigin(origin, node.Origin)
			if err := add(n); err != nil {
				return nil, err
			}
			continue
		}

		expanded, err := c.expandSubFlow(node, origin, stack)
		if err != nil {
			return nil, err
		}
		for _, n := range expanded {
			// Имя из под-flow не может совпадать с собственным узлом документа.
			if own[n.Name] && n.Name != node.Name {
				return nil, &CompositionError{Flow: alias, Node: n.Name, Message: "namespaced name collides with existing node", Err: ErrNameCollision}
			}
			if err := add(n); err != nil {
				return nil, err
			}
		}
	}

	if origin != "" {
		applyDefaults(result, doc.Defaults)
	}
	return result, nil
}

// expandSubFlow разворачивает один узел sub_flow.
func (c *composer) expandSubFlow(node *domain.NodeDef, origin string, stack []string) ([]domain.NodeDef, error) {
	alias := SubFlowAlias(node)

	sub, ok := c.subs[alias]
	if !ok || sub == nil {
		return nil, &CompositionError{Node: node.Name, Flow: alias, Message: "no document for sub-flow", Err: ErrUnknownSubFlow}
	}
	if slices.Contains(stack, alias) {
		chain := strings.Join(append(slices.Clone(stack), alias), " -> ")
		return nil, &CompositionError{Node: node.Name, Flow: alias, Message: "recursive sub-flow: " + chain, Err: ErrRecursiveSubFlow}
	}

	inner, err := c.expand(sub, joinOrigin(origin, alias), append(slices.Clone(stack), alias))
	if err != nil {
		return nil, err
	}

	local := make(map[string]bool, len(inner))
	for i := range inner {
		local[inner[i].Name] = true
	}

	// Выходы под-flow, которые ждёт вызывающий узел.
	exposed, err := selectOutputs(node, sub, alias)
	if err != nil {
		return nil, err
	}

	inputs, err := freeInputs(inner, exposed, local, sub.Inputs)
	if err != nil {
		return nil, &CompositionError{Node: node.Name, Flow: alias, Message: err.Error(), Err: err}
	}
	if err := checkBindings(inputs, node.Params); err != nil {
		return nil, &CompositionError{Node: node.Name, Flow: alias, Message: err.Error(), Err: err}
	}

	sc := &scope{
		prefix:   node.Name + NamespaceSep,
		local:    local,
		bindings: node.Params,
	}

	out := make([]domain.NodeDef, 0, len(inner)+1)
	for i := range inner {
		n := inner[i].Clone()
		n.Name = sc.prefix + n.Name
		params, err := RewriteRefs(n.Params, sc.rewrite)
		if err != nil {
			return nil, &CompositionError{Node: n.Name, Flow: alias, Message: err.Error(), Err: err}
		}
		if params != nil {
			n.Params = params.(map[string]any)
		}
		out = append(out, n)
	}

	// Вызывающий узел становится узлом transform, который публикует outputs под-flow.
	params, err := RewriteRefs(exposed, sc.rewrite)
	if err != nil {
		return nil, &CompositionError{Node: node.Name, Flow: alias, Message: err.Error(), Err: err}
	}
	outputs := node.Outputs
	if len(outputs) == 0 {
		outputs = sortedKeys(exposed)
	}
	out = append(out, domain.NodeDef{
		Name:       node.Name,
		Kind:       domain.KindTransform,
		Params:     params.(map[string]any),
		Outputs:    append([]string(nil), outputs...),
		Retry:      node.Retry,
		TimeoutSec: node.TimeoutSec,
		Origin:     joinOrigin(origin, node.Origin),
	})
	return out, nil
}

// selectOutputs возвращает outputs под-flow, которые объявляет вызывающий узел.
// Если вызывающий узел outputs не объявляет, публикуются все outputs под-flow.
func selectOutputs(node *domain.NodeDef, sub *domain.FlowDoc, alias string) (map[string]any, error) {
	if len(node.Outputs) == 0 {
		exposed := domain.CloneMap(sub.Outputs)
		if exposed == nil {
			exposed = make(map[string]any)
		}
		return exposed, nil
	}

	exposed := make(map[string]any, len(node.Outputs))
	for _, key := range node.Outputs {
		value, ok := sub.Outputs[key]
		if !ok {
			return nil, &CompositionError{
				Node:    node.Name,
				Flow:    alias,
				Message: fmt.Sprintf("sub-flow does not declare output %q", key),
				Err:     ErrUndeclaredSubFlowOutput,
			}
		}
		exposed[key] = domain.CloneValue(value)
	}
	return exposed, nil
}

// freeInputs возвращает внешние входы под-flow: объявленные inputs и все
// первые сегменты ссылок, которые не называют узел или переменную под-flow.
// Результат отсортирован.
func freeInputs(nodes []domain.NodeDef, outputs map[string]any, local map[string]bool, declared []string) ([]string, error) {
	vars := producedVariables(nodes)
	set := make(map[string]bool)
	for _, name := range declared {
		if !local[name] {
			set[name] = true
		}
	}

	collect := func(value any) error {
		refs, err := CollectRefs(value)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if !local[ref.Node()] && !vars[ref.Node()] {
				set[ref.Node()] = true
			}
		}
		return nil
	}

	for i := range nodes {
		if err := collect(nodes[i].Params); err != nil {
			return nil, err
		}
	}
	if err := collect(outputs); err != nil {
		return nil, err
	}

	return sortedKeys(set), nil
}

// checkBindings проверяет, что каждый вход привязан и нет лишних привязок.
func checkBindings(inputs []string, params map[string]any) error {
	for _, name := range inputs {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnboundInput, name)
		}
	}
	for _, name := range sortedKeys(params) {
		if !slices.Contains(inputs, name) {
			return fmt.Errorf("%w: %s", ErrUnknownInput, name)
		}
	}
	return nil
}

// BindInputs сверяет run inputs с объявленными inputs flow и возвращает
// копию привязанных значений.
//
// Каждый объявленный вход обязателен (ErrUnboundInput), лишний —
// ErrUnknownInput. Params flow не переписываются: значения подставляет
// Resolver при выполнении узла, поэтому данные вида "{{ x.y }}" остаются
// литералами и не становятся ссылками. Ссылка на необъявленное имя
// отклоняется при построении графа.
func BindInputs(flow *domain.ComposedFlow, inputs map[string]any) (map[string]any, error) {
	local := make(map[string]bool, len(flow.Nodes))
	for i := range flow.Nodes {
		local[flow.Nodes[i].Name] = true
	}

	declared := make([]string, 0, len(flow.Inputs))
	for _, name := range flow.Inputs {
		if !local[name] {
			declared = append(declared, name)
		}
	}
	sort.Strings(declared)

	if err := checkBindings(declared, inputs); err != nil {
		return nil, &CompositionError{Flow: flow.Name, Message: err.Error(), Err: err}
	}

	bound := make(map[string]any, len(declared))
	for _, name := range declared {
		bound[name] = domain.CloneValue(inputs[name])
	}
	return bound, nil
}

// scope переписывает ссылки при встраивании документа.
type scope struct {
	prefix   string          // префикс для узлов документа
	local    map[string]bool // узлы документа (до префикса)
	bindings map[string]any  // вход → привязанное значение
}

// rewrite реализует RewriteFunc.
func (s *scope) rewrite(ref Ref) (any, error) {
	head := ref.Node()

	if s.local[head] {
		path := append([]string{s.prefix + head}, ref.Path[1:]...)
		return ref.WithPath(path...).Raw, nil
	}

	binding, ok := s.bindings[head]
	if !ok {
		return ref.Raw, nil
	}
	return bindValue(ref, binding)
}

// bindValue подставляет привязку вместо ссылки на вход.
//
// Привязка-ссылка ({{ read_csv.data }}) даёт ссылку с дописанным путём:
// {{ data.x }} → {{ read_csv.data.x }}. Литерал подставляется значением,
// путь проходится статически.
func bindValue(ref Ref, binding any) (any, error) {
	rest := ref.Path[1:]

	if s, ok := binding.(string); ok {
		if target, ok := SingleRef(s); ok {
			path := append(slices.Clone(target.Path), rest...)
			return target.WithPath(path...).Raw, nil
		}
		if strings.Contains(s, refOpen) {
			if len(rest) > 0 {
				return nil, &ReferenceError{Token: ref.Raw, Err: fmt.Errorf("%w: cannot descend into interpolated binding %q", ErrPathNotFound, s)}
			}
			return s, nil
		}
	}

	value, err := WalkPath(binding, rest)
	if err != nil {
		return nil, &ReferenceError{Token: ref.Raw, Err: err}
	}
	return domain.CloneValue(value), nil
}

// applyDefaults заполняет retry и timeout узлов под-flow из его defaults.
func applyDefaults(nodes []domain.NodeDef, defaults *domain.NodeDefaults) {
	if defaults == nil {
		return
	}
	for i := range nodes {
		if nodes[i].Retry == nil && defaults.Retry != nil {
			r := *defaults.Retry
			nodes[i].Retry = &r
		}
		if nodes[i].TimeoutSec == 0 {
			nodes[i].TimeoutSec = defaults.TimeoutSec
		}
	}
}

// joinOrigin дописывает путь алиасов.
func joinOrigin(parent, child string) string {
	switch {
	case parent == "":
		return child
	case child == "":
		return parent
	default:
		return parent + "/" + child
	}
}

// sortedKeys возвращает ключи map в алфавитном порядке.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
