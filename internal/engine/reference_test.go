package engine

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Fragment
	}{
		{
			name:  "plain text",
			input: "hello world",
			want:  []Fragment{{Text: "hello world"}},
		},
		{
			name:  "single token",
			input: "{{ read_csv.data }}",
			want:  []Fragment{{Ref: &Ref{Raw: "{{ read_csv.data }}", Path: []string{"read_csv", "data"}}}},
		},
		{
			name:  "token without spaces",
			input: "{{read_csv.data}}",
			want:  []Fragment{{Ref: &Ref{Raw: "{{read_csv.data}}", Path: []string{"read_csv", "data"}}}},
		},
		{
			name:  "embedded token",
			input: "Summary: {{ a.b }}!",
			want: []Fragment{
				{Text: "Summary: "},
				{Ref: &Ref{Raw: "{{ a.b }}", Path: []string{"a", "b"}}},
				{Text: "!"},
			},
		},
		{
			name:  "adjacent tokens",
			input: "{{ a }}{{ b.c.0 }}",
			want: []Fragment{
				{Ref: &Ref{Raw: "{{ a }}", Path: []string{"a"}}},
				{Ref: &Ref{Raw: "{{ b.c.0 }}", Path: []string{"b", "c", "0"}}},
			},
		},
		{
			name:  "dashes and digits",
			input: "{{ node-1.key_2 }}",
			want:  []Fragment{{Ref: &Ref{Raw: "{{ node-1.key_2 }}", Path: []string{"node-1", "key_2"}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTemplate(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseTemplate(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseTemplate_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unclosed", "{{ a.b"},
		{"empty", "{{ }}"},
		{"empty segment", "{{ a..b }}"},
		{"trailing dot", "{{ a. }}"},
		{"space inside path", "{{ a b }}"},
		{"go template syntax", "{{ .inputs.x }}"},
		{"unclosed after valid", "{{ a.b }} and {{ c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate(tt.input)
			if !errors.Is(err, ErrMalformedReference) {
				t.Fatalf("expected ErrMalformedReference, got %v", err)
			}
			if !errors.Is(err, ErrReference) {
				t.Errorf("expected ErrReference, got %v", err)
			}

			var refErr *ReferenceError
			if !errors.As(err, &refErr) || refErr.Token == "" {
				t.Errorf("expected ReferenceError with token, got %v", err)
			}
		})
	}
}

func TestSingleRef(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
		path  []string
	}{
		{"{{ a.b }}", true, []string{"a", "b"}},
		{"  {{ a.b }}", false, nil},
		{"x {{ a.b }}", false, nil},
		{"{{ a }}{{ b }}", false, nil},
		{"plain", false, nil},
		{"{{ a.b", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ref, ok := SingleRef(tt.input)
			if ok != tt.ok {
				t.Fatalf("SingleRef(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if ok && !reflect.DeepEqual(ref.Path, tt.path) {
				t.Errorf("path = %v, want %v", ref.Path, tt.path)
			}
		})
	}
}

func TestRef_Accessors(t *testing.T) {
	ref := Ref{Raw: "{{a.b.c}}", Path: []string{"a", "b", "c"}}

	if ref.Node() != "a" {
		t.Errorf("Node() = %s, want a", ref.Node())
	}
	if ref.Key() != "b" {
		t.Errorf("Key() = %s, want b", ref.Key())
	}
	if ref.String() != "{{ a.b.c }}" {
		t.Errorf("String() = %s", ref.String())
	}

	whole := Ref{Path: []string{"a"}}
	if whole.Key() != "" {
		t.Errorf("Key() of single segment = %q, want empty", whole.Key())
	}

	moved := ref.WithPath("x", "y")
	if moved.Raw != "{{ x.y }}" {
		t.Errorf("WithPath Raw = %s", moved.Raw)
	}
}

func TestCollectRefs_Nested(t *testing.T) {
	params := map[string]any{
		"prompt": "Analyze {{ a.text }}",
		"list":   []any{"{{ b.items }}", 42, map[string]any{"deep": "{{ c.x.y }}"}},
		"names":  []string{"{{ d.name }}"},
		"plain":  "no refs here",
		"num":    3.14,
	}

	refs, err := CollectRefs(params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	nodes := make(map[string]bool)
	for _, ref := range refs {
		nodes[ref.Node()] = true
	}

	for _, want := range []string{"a", "b", "c", "d"} {
		if !nodes[want] {
			t.Errorf("expected reference to %s, got %v", want, refs)
		}
	}
	if len(refs) != 4 {
		t.Errorf("expected 4 refs, got %d", len(refs))
	}
}

func TestRewriteRefs(t *testing.T) {
	values := map[string]any{
		"a.num":  42,
		"a.text": "summary",
		"a.list": []any{"x", "y"},
		"a.obj":  map[string]any{"k": "v"},
		"a.nil":  nil,
	}
	fn := func(ref Ref) (any, error) {
		return values[ref.Path[0]+"."+ref.Path[1]], nil
	}

	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"single token keeps int", "{{ a.num }}", 42},
		{"single token keeps list", "{{ a.list }}", []any{"x", "y"}},
		{"single token string", "{{ a.text }}", "summary"},
		{"interpolated int", "n={{ a.num }}", "n=42"},
		{"interpolated string", "Summary: {{ a.text }}", "Summary: summary"},
		{"interpolated map as json", "obj={{ a.obj }}", `obj={"k":"v"}`},
		{"interpolated list as json", "{{ a.list }} and {{ a.num }}", `["x","y"] and 42`},
		{"interpolated nil", "[{{ a.nil }}]", "[]"},
		{"literal passthrough", 7, 7},
		{"literal string", "plain", "plain"},
		{
			"nested structure",
			map[string]any{"x": []any{"{{ a.num }}", "t={{ a.text }}"}},
			map[string]any{"x": []any{42, "t=summary"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RewriteRefs(tt.input, fn)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("RewriteRefs(%v) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRewriteRefs_DoesNotMutateInput(t *testing.T) {
	input := map[string]any{
		"a": "{{ n.k }}",
		"b": []any{"{{ n.k }}"},
	}

	_, err := RewriteRefs(input, func(Ref) (any, error) { return "value", nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if input["a"] != "{{ n.k }}" {
		t.Errorf("input map was mutated: %v", input["a"])
	}
	if input["b"].([]any)[0] != "{{ n.k }}" {
		t.Errorf("input slice was mutated: %v", input["b"])
	}
}

func TestRewriteRefs_PropagatesError(t *testing.T) {
	boom := errors.New("boom")

	_, err := RewriteRefs(map[string]any{"a": "x {{ n.k }}"}, func(Ref) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}
