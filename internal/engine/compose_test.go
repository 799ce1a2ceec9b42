package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shaiso/genflow/internal/domain"
)

// baseDoc — базовый flow, вызывающий под-flow cleaner из узла process_data.
func baseDoc() *domain.FlowDoc {
	return &domain.FlowDoc{
		Name: "csv_report",
		Nodes: []domain.NodeDef{
			{
				Name:    "read_csv",
				Kind:    domain.KindFunctionCall,
				Fields:  map[string]any{"function": "read_csv"},
				Params:  map[string]any{"path": "data.csv"},
				Outputs: []string{"data"},
			},
			{
				Name:    "process_data",
				Kind:    domain.KindSubFlow,
				Fields:  map[string]any{"flow": "cleaner"},
				Params:  map[string]any{"data": "{{ read_csv.data }}"},
				Outputs: []string{"processed_data"},
			},
			{
				Name:    "analyze_data",
				Kind:    domain.KindLLMService,
				Fields:  map[string]any{"service": "openai", "model": "gpt-4o-mini"},
				Params:  map[string]any{"prompt": "{{ process_data.processed_data }}"},
				Outputs: []string{"analysis"},
			},
		},
	}
}

// cleanerDoc — под-flow с внешним входом data.
func cleanerDoc() *domain.FlowDoc {
	return &domain.FlowDoc{
		Name: "cleaner",
		Nodes: []domain.NodeDef{
			{
				Name:    "clean_data",
				Kind:    domain.KindFunctionCall,
				Fields:  map[string]any{"function": "clean"},
				Params:  map[string]any{"data": "{{ data }}"},
				Outputs: []string{"cleaned"},
			},
			{
				Name:    "summarize",
				Kind:    domain.KindFunctionCall,
				Fields:  map[string]any{"function": "summarize"},
				Params:  map[string]any{"text": "{{ clean_data.cleaned }}"},
				Outputs: []string{"summary"},
			},
		},
		Outputs: map[string]any{"processed_data": "{{ summarize.summary }}"},
	}
}

func TestCompose_EmptySubFlowsIsIdentity(t *testing.T) {
	base := &domain.FlowDoc{
		Name:   "plain",
		Inputs: []string{"path"},
		Nodes:  csvFlow().Nodes,
	}

	for _, subs := range []map[string]*domain.FlowDoc{nil, {}} {
		flow, err := Compose(base, subs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !reflect.DeepEqual(flow.Nodes, base.Nodes) {
			t.Errorf("composed nodes differ from base:\n got  %+v\n want %+v", flow.Nodes, base.Nodes)
		}
		if flow.Name != "plain" || !reflect.DeepEqual(flow.Inputs, []string{"path"}) {
			t.Errorf("metadata not preserved: %+v", flow)
		}
	}
}

func TestCompose_SubFlowInputBinding(t *testing.T) {
	flow, err := Compose(baseDoc(), map[string]*domain.FlowDoc{"cleaner": cleanerDoc()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantNames := []string{"read_csv", "process_data__clean_data", "process_data__summarize", "process_data", "analyze_data"}
	if names := flow.Names(); !reflect.DeepEqual(names, wantNames) {
		t.Fatalf("names = %v, want %v", names, wantNames)
	}

	clean := flow.Node("process_data__clean_data")
	if clean.Params["data"] != "{{ read_csv.data }}" {
		t.Errorf("clean_data.data = %v, want the base binding", clean.Params["data"])
	}
	if clean.Origin != "cleaner" {
		t.Errorf("clean_data origin = %q, want cleaner", clean.Origin)
	}
	if clean.Field("function") != "clean" {
		t.Error("kind-specific fields must pass through unchanged")
	}

	summarize := flow.Node("process_data__summarize")
	if summarize.Params["text"] != "{{ process_data__clean_data.cleaned }}" {
		t.Errorf("sibling reference not rewritten: %v", summarize.Params["text"])
	}

	invoker := flow.Node("process_data")
	if invoker.Kind != domain.KindTransform {
		t.Errorf("invoking node kind = %s, want transform", invoker.Kind)
	}
	if invoker.Params["processed_data"] != "{{ process_data__summarize.summary }}" {
		t.Errorf("invoking node params = %v", invoker.Params)
	}
	if !reflect.DeepEqual(invoker.Outputs, []string{"processed_data"}) {
		t.Errorf("invoking node outputs = %v", invoker.Outputs)
	}
	if invoker.Origin != "" {
		t.Errorf("invoking node origin = %q, want empty", invoker.Origin)
	}

	// Композированный flow проходит построение графа
	g, err := BuildGraph(flow)
	if err != nil {
		t.Fatalf("composed flow does not build: %v", err)
	}
	wantOrder := []string{"read_csv", "process_data__clean_data", "process_data__summarize", "process_data", "analyze_data"}
	if order := g.OrderNames(); !reflect.DeepEqual(order, wantOrder) {
		t.Errorf("order = %v, want %v", order, wantOrder)
	}
}

func TestCompose_DoesNotMutateArguments(t *testing.T) {
	base := baseDoc()
	sub := cleanerDoc()

	if _, err := Compose(base, map[string]*domain.FlowDoc{"cleaner": sub}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(base, baseDoc()) {
		t.Error("base document was mutated")
	}
	if !reflect.DeepEqual(sub, cleanerDoc()) {
		t.Error("sub-flow document was mutated")
	}
}

func TestCompose_LiteralBindings(t *testing.T) {
	sub := &domain.FlowDoc{
		Nodes: []domain.NodeDef{{
			Name: "fmt",
			Kind: domain.KindFunctionCall,
			Params: map[string]any{
				"limit": "{{ cfg.limit }}",
				"label": "size={{ cfg.limit }}",
				"all":   "{{ cfg }}",
				"text":  "{{ greeting }}",
			},
			Outputs: []string{"out"},
		}},
		Outputs: map[string]any{"out": "{{ fmt.out }}"},
	}
	base := &domain.FlowDoc{Nodes: []domain.NodeDef{{
		Name:   "call",
		Kind:   domain.KindSubFlow,
		Fields: map[string]any{"flow": "formatter"},
		Params: map[string]any{
			"cfg":      map[string]any{"limit": 3},
			"greeting": "hello {{ other.name }}",
		},
	}}}

	flow, err := Compose(base, map[string]*domain.FlowDoc{"formatter": sub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	params := flow.Node("call__fmt").Params
	if params["limit"] != 3 {
		t.Errorf("limit = %#v, want 3", params["limit"])
	}
	if params["label"] != "size=3" {
		t.Errorf("label = %#v", params["label"])
	}
	if !reflect.DeepEqual(params["all"], map[string]any{"limit": 3}) {
		t.Errorf("all = %#v", params["all"])
	}
	if params["text"] != "hello {{ other.name }}" {
		t.Errorf("text = %#v", params["text"])
	}

	// Без outputs у вызывающего узла публикуются все outputs под-flow
	if got := flow.Node("call").Outputs; !reflect.DeepEqual(got, []string{"out"}) {
		t.Errorf("call outputs = %v", got)
	}
}

func TestCompose_ReferenceBindingWithPath(t *testing.T) {
	sub := &domain.FlowDoc{
		Nodes: []domain.NodeDef{{
			Name:    "first",
			Kind:    domain.KindTransform,
			Params:  map[string]any{"row": "{{ data.rows.0 }}"},
			Outputs: []string{"row"},
		}},
		Outputs: map[string]any{"row": "{{ first.row }}"},
	}
	base := baseDoc()
	base.Nodes[1].Fields["flow"] = "first_row"
	base.Nodes[1].Outputs = []string{"row"}
	base.Nodes[2].Params["prompt"] = "{{ process_data.row }}"

	flow, err := Compose(base, map[string]*domain.FlowDoc{"first_row": sub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := flow.Node("process_data__first").Params["row"]; got != "{{ read_csv.data.rows.0 }}" {
		t.Errorf("row = %v, want {{ read_csv.data.rows.0 }}", got)
	}
}

func TestCompose_AliasDefaultsToNodeName(t *testing.T) {
	base := baseDoc()
	delete(base.Nodes[1].Fields, "flow")

	flow, err := Compose(base, map[string]*domain.FlowDoc{"process_data": cleanerDoc()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flow.Node("process_data__summarize") == nil {
		t.Errorf("sub-flow not expanded: %v", flow.Names())
	}
}

func TestCompose_SameSubFlowTwice(t *testing.T) {
	base := &domain.FlowDoc{Nodes: []domain.NodeDef{
		{Name: "src", Kind: domain.KindFunctionCall, Outputs: []string{"data"}},
		{Name: "left", Kind: domain.KindSubFlow, Fields: map[string]any{"flow": "cleaner"},
			Params: map[string]any{"data": "{{ src.data }}"}},
		{Name: "right", Kind: domain.KindSubFlow, Fields: map[string]any{"flow": "cleaner"},
			Params: map[string]any{"data": "{{ src.data }}"}},
	}}

	flow, err := Compose(base, map[string]*domain.FlowDoc{"cleaner": cleanerDoc()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"left__clean_data", "right__clean_data", "left", "right"} {
		if flow.Node(name) == nil {
			t.Errorf("missing node %s in %v", name, flow.Names())
		}
	}
}

func TestCompose_Errors(t *testing.T) {
	tests := []struct {
		name    string
		base    func() *domain.FlowDoc
		subs    func() map[string]*domain.FlowDoc
		wantErr error
	}{
		{
			name:    "unknown sub-flow",
			base:    baseDoc,
			subs:    func() map[string]*domain.FlowDoc { return nil },
			wantErr: ErrUnknownSubFlow,
		},
		{
			name: "unbound input",
			base: func() *domain.FlowDoc {
				b := baseDoc()
				b.Nodes[1].Params = nil
				return b
			},
			subs:    func() map[string]*domain.FlowDoc { return map[string]*domain.FlowDoc{"cleaner": cleanerDoc()} },
			wantErr: ErrUnboundInput,
		},
		{
			name: "declared input without binding",
			base: baseDoc,
			subs: func() map[string]*domain.FlowDoc {
				s := cleanerDoc()
				s.Inputs = []string{"data", "locale"}
				return map[string]*domain.FlowDoc{"cleaner": s}
			},
			wantErr: ErrUnboundInput,
		},
		{
			name: "binding for unknown input",
			base: func() *domain.FlowDoc {
				b := baseDoc()
				b.Nodes[1].Params["extra"] = 1
				return b
			},
			subs:    func() map[string]*domain.FlowDoc { return map[string]*domain.FlowDoc{"cleaner": cleanerDoc()} },
			wantErr: ErrUnknownInput,
		},
		{
			name: "name collision",
			base: func() *domain.FlowDoc {
				b := baseDoc()
				b.Nodes = append(b.Nodes, domain.NodeDef{Name: "process_data__summarize", Kind: domain.KindTransform})
				return b
			},
			subs:    func() map[string]*domain.FlowDoc { return map[string]*domain.FlowDoc{"cleaner": cleanerDoc()} },
			wantErr: ErrNameCollision,
		},
		{
			name: "undeclared sub-flow output",
			base: func() *domain.FlowDoc {
				b := baseDoc()
				b.Nodes[1].Outputs = []string{"processed_data", "stats"}
				return b
			},
			subs:    func() map[string]*domain.FlowDoc { return map[string]*domain.FlowDoc{"cleaner": cleanerDoc()} },
			wantErr: ErrUndeclaredSubFlowOutput,
		},
		{
			name: "duplicate node in sub-flow",
			base: baseDoc,
			subs: func() map[string]*domain.FlowDoc {
				s := cleanerDoc()
				s.Nodes = append(s.Nodes, s.Nodes[0])
				return map[string]*domain.FlowDoc{"cleaner": s}
			},
			wantErr: ErrDuplicateNode,
		},
		{
			name: "empty node name",
			base: func() *domain.FlowDoc {
				b := baseDoc()
				b.Nodes[0].Name = ""
				return b
			},
			subs:    func() map[string]*domain.FlowDoc { return nil },
			wantErr: ErrEmptyNodeName,
		},
		{
			name: "recursive sub-flow",
			base: baseDoc,
			subs: func() map[string]*domain.FlowDoc {
				s := cleanerDoc()
				s.Nodes = append(s.Nodes, domain.NodeDef{
					Name:   "again",
					Kind:   domain.KindSubFlow,
					Fields: map[string]any{"flow": "cleaner"},
					Params: map[string]any{"data": "{{ summarize.summary }}"},
				})
				return map[string]*domain.FlowDoc{"cleaner": s}
			},
			wantErr: ErrRecursiveSubFlow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compose(tt.base(), tt.subs())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, ErrComposition) {
				t.Errorf("expected ErrComposition, got %v", err)
			}
		})
	}
}

// nestedDocs возвращает base → outer → inner.
func nestedDocs() (*domain.FlowDoc, *domain.FlowDoc, *domain.FlowDoc) {
	inner := &domain.FlowDoc{
		Nodes: []domain.NodeDef{{
			Name:    "leaf",
			Kind:    domain.KindFunctionCall,
			Params:  map[string]any{"v": "{{ value }}"},
			Outputs: []string{"out"},
		}},
		Outputs: map[string]any{"result": "{{ leaf.out }}"},
	}
	outer := &domain.FlowDoc{
		Defaults: &domain.NodeDefaults{TimeoutSec: 7},
		Nodes: []domain.NodeDef{
			{
				Name:    "prep",
				Kind:    domain.KindFunctionCall,
				Params:  map[string]any{"x": "{{ x }}"},
				Outputs: []string{"y"},
			},
			{
				Name:    "i",
				Kind:    domain.KindSubFlow,
				Fields:  map[string]any{"flow": "inner"},
				Params:  map[string]any{"value": "{{ prep.y }}"},
				Outputs: []string{"result"},
			},
		},
		Outputs: map[string]any{"final": "{{ i.result }}"},
	}
	base := &domain.FlowDoc{
		Nodes: []domain.NodeDef{
			{Name: "src", Kind: domain.KindFunctionCall, Outputs: []string{"x"}},
			{
				Name:    "o",
				Kind:    domain.KindSubFlow,
				Fields:  map[string]any{"flow": "outer"},
				Params:  map[string]any{"x": "{{ src.x }}"},
				Outputs: []string{"final"},
			},
			{Name: "sink", Kind: domain.KindTransform, Params: map[string]any{"v": "{{ o.final }}"}, Outputs: []string{"v"}},
		},
	}
	return base, outer, inner
}

func TestCompose_Nested(t *testing.T) {
	base, outer, inner := nestedDocs()

	flow, err := Compose(base, map[string]*domain.FlowDoc{"outer": outer, "inner": inner})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantNames := []string{"src", "o__prep", "o__i__leaf", "o__i", "o", "sink"}
	if names := flow.Names(); !reflect.DeepEqual(names, wantNames) {
		t.Fatalf("names = %v, want %v", names, wantNames)
	}

	leaf := flow.Node("o__i__leaf")
	if leaf.Params["v"] != "{{ o__prep.y }}" {
		t.Errorf("leaf.v = %v", leaf.Params["v"])
	}
	if leaf.Origin != "outer/inner" {
		t.Errorf("leaf origin = %q", leaf.Origin)
	}
	if leaf.TimeoutSec != 7 {
		t.Errorf("outer defaults not applied: timeout = %d", leaf.TimeoutSec)
	}

	if got := flow.Node("o__prep").Params["x"]; got != "{{ src.x }}" {
		t.Errorf("prep.x = %v", got)
	}
	if got := flow.Node("o").Params["final"]; got != "{{ o__i.result }}" {
		t.Errorf("o.final = %v", got)
	}

	if _, err := BuildGraph(flow); err != nil {
		t.Errorf("nested composition does not build: %v", err)
	}
}

func TestCompose_Associative(t *testing.T) {
	base, outer, inner := nestedDocs()

	direct, err := Compose(base, map[string]*domain.FlowDoc{"outer": outer, "inner": inner})
	if err != nil {
		t.Fatalf("direct compose: %v", err)
	}

	pre, err := Compose(outer, map[string]*domain.FlowDoc{"inner": inner})
	if err != nil {
		t.Fatalf("compose outer: %v", err)
	}
	staged, err := Compose(base, map[string]*domain.FlowDoc{"outer": pre.Doc()})
	if err != nil {
		t.Fatalf("staged compose: %v", err)
	}

	if !reflect.DeepEqual(direct.Nodes, staged.Nodes) {
		t.Errorf("composition is not associative:\n direct %+v\n staged %+v", direct.Nodes, staged.Nodes)
	}
}

func TestCompose_ReparseComposedDocument(t *testing.T) {
	flow, err := Compose(baseDoc(), map[string]*domain.FlowDoc{"cleaner": cleanerDoc()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := domain.EncodeDoc(flow.Doc())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	doc, err := domain.ParseDoc(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	again, err := Compose(doc, nil)
	if err != nil {
		t.Fatalf("recompose: %v", err)
	}
	if !reflect.DeepEqual(again.Names(), flow.Names()) {
		t.Errorf("names after reparse = %v, want %v", again.Names(), flow.Names())
	}
	if again.Node("process_data__clean_data").Field("function") != "clean" {
		t.Error("kind-specific fields lost after reparse")
	}
	if _, err := BuildGraph(again); err != nil {
		t.Errorf("reparsed flow does not build: %v", err)
	}
}

func TestBindInputs(t *testing.T) {
	flow := &domain.ComposedFlow{
		Name:   "report",
		Inputs: []string{"path"},
		Nodes: []domain.NodeDef{{
			Name:    "read_csv",
			Kind:    domain.KindFunctionCall,
			Params:  map[string]any{"path": "{{ path }}", "label": "file {{ path }}"},
			Outputs: []string{"data"},
		}},
	}

	inputs := map[string]any{"path": "/tmp/data.csv"}
	bound, err := BindInputs(flow, inputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(bound, inputs) {
		t.Errorf("bound = %v, want %v", bound, inputs)
	}
	if flow.Nodes[0].Params["path"] != "{{ path }}" {
		t.Error("BindInputs rewrote params")
	}

	if _, err := BindInputs(flow, nil); !errors.Is(err, ErrUnboundInput) {
		t.Errorf("expected ErrUnboundInput, got %v", err)
	}
	if _, err := BindInputs(flow, map[string]any{"path": "x", "other": 1}); !errors.Is(err, ErrUnknownInput) {
		t.Errorf("expected ErrUnknownInput, got %v", err)
	}
}

func TestBindInputs_CopiesValues(t *testing.T) {
	flow := &domain.ComposedFlow{
		Name:   "report",
		Inputs: []string{"rows"},
		Nodes:  []domain.NodeDef{node("A")},
	}

	rows := []any{"a", "b"}
	bound, err := BindInputs(flow, map[string]any{"rows": rows})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bound["rows"].([]any)[0] = "changed"
	if rows[0] != "a" {
		t.Error("BindInputs shares values with the caller")
	}
}

func TestBindInputs_UndeclaredNameStaysReference(t *testing.T) {
	flow := flowOf(domain.NodeDef{
		Name:   "a",
		Kind:   domain.KindTransform,
		Params: map[string]any{"v": "{{ ghost.x }}"},
	})

	if _, err := BindInputs(flow, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := BuildGraph(flow)
	if !errors.Is(err, ErrUnknownNodeReference) {
		t.Errorf("expected ErrUnknownNodeReference, got %v", err)
	}
}

func TestCompose_SubFlowVariablesAreNotInputs(t *testing.T) {
	base := &domain.FlowDoc{
		Name: "greet",
		Nodes: []domain.NodeDef{{
			Name:    "hello",
			Kind:    domain.KindSubFlow,
			Params:  map[string]any{"name": "Ann"},
			Outputs: []string{"text"},
		}},
	}
	hello := &domain.FlowDoc{
		Name: "hello",
		Nodes: []domain.NodeDef{
			setVar("remember", "who", map[string]any{"value": "{{ name }}"}),
			{
				Name:    "say",
				Kind:    domain.KindTransform,
				Params:  map[string]any{"text": "hi {{ who }}"},
				Outputs: []string{"text"},
			},
		},
		Outputs: map[string]any{"text": "{{ say.text }}"},
	}

	flow, err := Compose(base, map[string]*domain.FlowDoc{"hello": hello})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := flow.Node("hello__remember").Params["value"]; got != "Ann" {
		t.Errorf("remember.value = %v, want Ann", got)
	}
	if got := flow.Node("hello__say").Params["text"]; got != "hi {{ who }}" {
		t.Errorf("say.text = %v", got)
	}

	g, err := BuildGraph(flow)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if deps := g.GetNode("hello__say").DependsOn; len(deps) != 1 || deps[0].Name != "hello__remember" {
		t.Errorf("say depends on %v, want [hello__remember]", deps)
	}
}
