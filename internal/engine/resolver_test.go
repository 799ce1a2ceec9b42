package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shaiso/genflow/internal/domain"
)

// csvFlow — flow read_csv → process_data → analyze_data.
func csvFlow() *domain.ComposedFlow {
	return &domain.ComposedFlow{
		Name: "csv",
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
				Kind:    domain.KindFunctionCall,
				Fields:  map[string]any{"function": "process"},
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

func TestResolver_Scenario(t *testing.T) {
	flow := csvFlow()
	outputs := NewOutputs()
	r := NewResolver(flow, outputs)

	if err := outputs.Record("read_csv", map[string]any{"data": "raw"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	params, err := r.ResolveParams(flow.Node("process_data").Params)
	if err != nil {
		t.Fatalf("resolve process_data: %v", err)
	}
	if params["data"] != "raw" {
		t.Errorf("data = %v, want raw", params["data"])
	}

	if err := outputs.Record("process_data", map[string]any{"processed_data": "summary"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	params, err = r.ResolveParams(flow.Node("analyze_data").Params)
	if err != nil {
		t.Fatalf("resolve analyze_data: %v", err)
	}
	if params["prompt"] != "summary" {
		t.Errorf("prompt = %q, want exactly %q", params["prompt"], "summary")
	}
}

func TestResolver_Errors(t *testing.T) {
	flow := csvFlow()
	outputs := NewOutputs()
	if err := outputs.Record("read_csv", map[string]any{"data": map[string]any{"rows": []any{"a"}}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	r := NewResolver(flow, outputs)

	tests := []struct {
		name    string
		value   any
		wantErr error
	}{
		{"unknown node", "{{ ghost.data }}", ErrUnknownNode},
		{"not yet executed", "{{ process_data.processed_data }}", ErrNotYetExecuted},
		{"unknown output key", "{{ read_csv.nope }}", ErrUnknownOutputKey},
		{"missing path", "{{ read_csv.data.columns }}", ErrPathNotFound},
		{"index out of range", "{{ read_csv.data.rows.5 }}", ErrPathNotFound},
		{"malformed", "{{ read_csv.data", ErrMalformedReference},
		{"inside interpolation", "x={{ ghost.data }}", ErrUnknownNode},
		{"inside list", []any{"ok", "{{ ghost.data }}"}, ErrUnknownNode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, ErrReference) {
				t.Errorf("expected ErrReference, got %v", err)
			}
		})
	}
}

func TestResolver_ReferenceErrorNamesToken(t *testing.T) {
	r := NewResolver(csvFlow(), NewOutputs())

	_, err := r.Resolve("{{ process_data.processed_data }}")

	var refErr *ReferenceError
	if !errors.As(err, &refErr) {
		t.Fatalf("expected ReferenceError, got %T", err)
	}
	if refErr.Token != "{{ process_data.processed_data }}" {
		t.Errorf("Token = %q", refErr.Token)
	}
	if refErr.Target != "process_data" {
		t.Errorf("Target = %q", refErr.Target)
	}
}

func TestResolver_NestedPath(t *testing.T) {
	flow := &domain.ComposedFlow{Nodes: []domain.NodeDef{
		{Name: "load", Kind: domain.KindFunctionCall, Outputs: []string{"table"}},
	}}
	outputs := NewOutputs()
	err := outputs.Record("load", map[string]any{
		"table": map[string]any{
			"rows":    []any{map[string]any{"name": "alice"}, map[string]any{"name": "bob"}},
			"columns": []string{"name", "age"},
			"meta":    map[string]string{"source": "s3"},
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	r := NewResolver(flow, outputs)

	tests := []struct {
		token string
		want  any
	}{
		{"{{ load.table.rows.1.name }}", "bob"},
		{"{{ load.table.columns.1 }}", "age"},
		{"{{ load.table.meta.source }}", "s3"},
		{"{{ load.table.rows.0 }}", map[string]any{"name": "alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := r.Resolve(tt.token)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestResolver_WholeNode(t *testing.T) {
	flow := csvFlow()
	outputs := NewOutputs()
	if err := outputs.Record("read_csv", map[string]any{"data": "raw"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := NewResolver(flow, outputs).Resolve("{{ read_csv }}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{"data": "raw"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	// Изменение результата не должно влиять на store
	got.(map[string]any)["data"] = "changed"
	stored, _ := outputs.Get("read_csv")
	if stored["data"] != "raw" {
		t.Error("resolved value shares memory with the store")
	}
}

func TestResolver_LiteralsPassThrough(t *testing.T) {
	r := NewResolver(csvFlow(), NewOutputs())

	params := map[string]any{
		"n":    3,
		"f":    1.5,
		"b":    true,
		"s":    "no tokens",
		"list": []any{1, "two", map[string]any{"three": 3}},
		"nil":  nil,
	}

	got, err := r.ResolveParams(params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, params) {
		t.Errorf("literals changed: %#v", got)
	}
}

func TestResolver_Deterministic(t *testing.T) {
	flow := csvFlow()
	outputs := NewOutputs()
	if err := outputs.Record("read_csv", map[string]any{"data": []any{1, 2}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	r := NewResolver(flow, outputs)

	first, err := r.Resolve("rows: {{ read_csv.data }}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := r.Resolve("rows: {{ read_csv.data }}")
		if again != first {
			t.Fatalf("resolution is not deterministic: %v vs %v", again, first)
		}
	}
	if first != "rows: [1,2]" {
		t.Errorf("got %q", first)
	}
}

func TestResolveParams_Nil(t *testing.T) {
	got, err := NewResolver(csvFlow(), NewOutputs()).ResolveParams(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestResolver_InputsAreLiterals(t *testing.T) {
	flow := &domain.ComposedFlow{
		Name:   "echo",
		Inputs: []string{"text"},
		Nodes: []domain.NodeDef{
			{Name: "secret", Kind: domain.KindTransform, Outputs: []string{"key"}},
			{Name: "echo", Kind: domain.KindTransform, Outputs: []string{"out"}},
		},
	}
	outputs := NewOutputs()
	if err := outputs.Record("secret", map[string]any{"key": "TOPSECRET"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input any
		param any
		want  any
	}{
		{"reference-like text", "{{ secret.key }}", "{{ text }}", "{{ secret.key }}"},
		{"unclosed braces", "literal {{ braces", "{{ text }}", "literal {{ braces"},
		{"interpolated", "{{ secret.key }}", "got: {{ text }}", "got: {{ secret.key }}"},
		{"nested path", map[string]any{"a": []any{"{{ x.y }}"}}, "{{ text.a.0 }}", "{{ x.y }}"},
		{"typed value", 42, "{{ text }}", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(flow, outputs).WithInputs(map[string]any{"text": tt.input})
			got, err := r.Resolve(tt.param)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve(%v) = %v, want %v", tt.param, got, tt.want)
			}
		})
	}
}

func TestResolver_UnboundInput(t *testing.T) {
	flow := &domain.ComposedFlow{
		Name:   "echo",
		Inputs: []string{"text"},
		Nodes:  []domain.NodeDef{{Name: "echo", Kind: domain.KindTransform}},
	}

	_, err := NewResolver(flow, NewOutputs()).Resolve("{{ text }}")
	if !errors.Is(err, ErrUnboundInput) || !errors.Is(err, ErrReference) {
		t.Errorf("expected unbound input reference error, got %v", err)
	}
}

// mapVars — переменные run в map.
type mapVars map[string]any

func (m mapVars) Get(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func TestResolver_Variables(t *testing.T) {
	flow := flowOf(
		domain.NodeDef{
			Name:   "remember",
			Kind:   domain.KindSetVariable,
			Fields: map[string]any{domain.FieldVariableName: "greeting"},
		},
		domain.NodeDef{Name: "use", Kind: domain.KindTransform},
	)

	r := NewResolver(flow, NewOutputs())
	if _, err := r.Resolve("{{ greeting }}"); !errors.Is(err, ErrNotYetExecuted) {
		t.Errorf("expected ErrNotYetExecuted before set, got %v", err)
	}

	r.WithVariables(mapVars{"greeting": map[string]any{"text": "{{ hi }}"}})
	got, err := r.Resolve("say {{ greeting.text }}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "say {{ hi }}" {
		t.Errorf("got %v, want %q", got, "say {{ hi }}")
	}

	if _, err := r.Resolve("{{ other }}"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode for unset name, got %v", err)
	}
}
