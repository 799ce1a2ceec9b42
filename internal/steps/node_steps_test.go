package steps

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

// Function Step Tests

func TestFunctionStep_Execute(t *testing.T) {
	funcs := NewFunctions()
	funcs.Register("double", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"result": GetConfigInt(params, "n") * 2}, nil
	})
	step := NewFunctionStep(funcs)

	req := NewRequest("calc", map[string]any{"n": 21}, map[string]any{"function": "double"}, []string{"result"}, 0)
	resp, err := step.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Outputs["result"] != 42 {
		t.Errorf("result = %v, want 42", resp.Outputs["result"])
	}
}

func TestFunctionStep_Errors(t *testing.T) {
	boom := errors.New("boom")
	funcs := NewFunctions()
	funcs.Register("fail", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, boom
	})
	step := NewFunctionStep(funcs)

	tests := []struct {
		name    string
		fields  map[string]any
		wantErr error
	}{
		{"missing function field", nil, ErrInvalidConfig},
		{"unknown function", map[string]any{"function": "nope"}, ErrFunctionNotFound},
		{"function error", map[string]any{"function": "fail"}, boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := step.Execute(context.Background(), NewRequest("n", nil, tt.fields, nil, 0))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFunctionStep_CancelledContext(t *testing.T) {
	called := false
	funcs := NewFunctions()
	funcs.Register("f", func(context.Context, map[string]any) (map[string]any, error) {
		called = true
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFunctionStep(funcs).Execute(ctx, NewRequest("n", nil, map[string]any{"function": "f"}, nil, 0))
	if !errors.Is(err, ErrStepCancelled) {
		t.Errorf("expected ErrStepCancelled, got %v", err)
	}
	if called {
		t.Error("function should not be called after cancellation")
	}
}

func TestBuiltinFunctions_ReadCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(path, []byte("name,age\nalice,30\nbob,25\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	fn, ok := BuiltinFunctions().Get("read_csv")
	if !ok {
		t.Fatal("read_csv should be registered")
	}

	out, err := fn(context.Background(), map[string]any{"path": path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []any{
		map[string]any{"name": "alice", "age": "30"},
		map[string]any{"name": "bob", "age": "25"},
	}
	if !reflect.DeepEqual(out["data"], want) {
		t.Errorf("data = %v, want %v", out["data"], want)
	}
}

func TestBuiltinFunctions_Concat(t *testing.T) {
	fn, _ := BuiltinFunctions().Get("concat")

	out, err := fn(context.Background(), map[string]any{"parts": []any{"a", 1, true}, "sep": "-"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["text"] != "a-1-true" {
		t.Errorf("text = %v", out["text"])
	}
}

// LLM Step Tests

// fakeChat — ChatCompleter для тестов.
type fakeChat struct {
	resp openai.ChatCompletionResponse
	err  error
	got  openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.got = req
	return f.resp, f.err
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
		}},
	}
}

func TestLLMStep_Prompt(t *testing.T) {
	client := &fakeChat{resp: textResponse("  the analysis \n")}
	step := NewLLMStep(client, nil)

	req := NewRequest("analyze_data",
		map[string]any{"prompt": "summary"},
		map[string]any{"service": "openai", "model": "gpt-4o", "system_prompt": "be brief", "temperature": 0.2, "max_tokens": 100},
		[]string{"analysis"}, 0)

	resp, err := step.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Outputs["analysis"] != "the analysis" {
		t.Errorf("analysis = %q", resp.Outputs["analysis"])
	}

	got := client.got
	if got.Model != "gpt-4o" {
		t.Errorf("model = %s", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Messages[1].Content != "summary" {
		t.Errorf("user message = %q, want exactly the resolved prompt", got.Messages[1].Content)
	}
	if got.MaxTokens != 100 {
		t.Errorf("max_tokens = %d", got.MaxTokens)
	}
	if got.Temperature < 0.19 || got.Temperature > 0.21 {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if len(got.Tools) != 0 {
		t.Error("no tools expected without function_call")
	}
}

func TestLLMStep_DefaultModel(t *testing.T) {
	client := &fakeChat{resp: textResponse("ok")}

	_, err := NewLLMStep(client, nil).Execute(context.Background(),
		NewRequest("n", map[string]any{"prompt": "hi"}, nil, []string{"out"}, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.got.Model != openai.GPT4oMini {
		t.Errorf("model = %s, want %s", client.got.Model, openai.GPT4oMini)
	}
}

func TestLLMStep_FunctionCall(t *testing.T) {
	client := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "extract", Arguments: `{"entities":["acme"]}`},
				}},
			},
		}},
	}}
	step := NewLLMStep(client, []FunctionSchema{{
		Name:        "extract",
		Description: "extract entities",
		Parameters:  map[string]any{"type": "object"},
	}})

	req := NewRequest("n",
		map[string]any{"prompt": "find entities"},
		map[string]any{"service": "openai", "function_call": map[string]any{"name": "extract"}},
		[]string{"entities"}, 0)

	resp, err := step.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{"entities": []any{"acme"}}
	if !reflect.DeepEqual(resp.Outputs["entities"], want) {
		t.Errorf("entities = %#v, want %#v", resp.Outputs["entities"], want)
	}

	if len(client.got.Tools) != 1 || client.got.Tools[0].Function.Name != "extract" {
		t.Errorf("tools = %+v", client.got.Tools)
	}
}

func TestLLMStep_Errors(t *testing.T) {
	apiErr := errors.New("rate limited")

	tests := []struct {
		name    string
		client  ChatCompleter
		params  map[string]any
		fields  map[string]any
		outputs []string
		wantErr error
	}{
		{"unsupported service", &fakeChat{}, map[string]any{"prompt": "x"}, map[string]any{"service": "bard"}, []string{"o"}, ErrInvalidConfig},
		{"two outputs", &fakeChat{}, map[string]any{"prompt": "x"}, nil, []string{"a", "b"}, ErrInvalidConfig},
		{"missing prompt", &fakeChat{}, nil, nil, []string{"o"}, ErrInvalidConfig},
		{"unknown schema", &fakeChat{}, map[string]any{"prompt": "x"}, map[string]any{"function_call": map[string]any{"name": "nope"}}, []string{"o"}, ErrInvalidConfig},
		{"no client", nil, map[string]any{"prompt": "x"}, nil, []string{"o"}, ErrInvalidConfig},
		{"api error", &fakeChat{err: apiErr}, map[string]any{"prompt": "x"}, nil, []string{"o"}, apiErr},
		{"empty choices", &fakeChat{}, map[string]any{"prompt": "x"}, nil, []string{"o"}, ErrEmptyCompletion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLLMStep(tt.client, nil).Execute(context.Background(), NewRequest("n", tt.params, tt.fields, tt.outputs, 0))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// Transform Step Tests

func TestTransformStep_Kind(t *testing.T) {
	step := NewTransformStep()
	if step.Kind() != "transform" {
		t.Errorf("expected 'transform', got %s", step.Kind())
	}
}

func TestTransformStep_Execute(t *testing.T) {
	step := NewTransformStep()

	req := NewRequest("t",
		map[string]any{"total": 10, "items": []any{"a"}, "ignored": true},
		nil, []string{"total", "items"}, 0)

	resp, err := step.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{"total": 10, "items": []any{"a"}}
	if !reflect.DeepEqual(resp.Outputs, want) {
		t.Errorf("outputs = %v, want %v", resp.Outputs, want)
	}
}

func TestTransformStep_ParseJSON(t *testing.T) {
	step := NewTransformStep()

	req := NewRequest("t",
		map[string]any{"obj": `{"a":1}`, "num": "7", "flag": "true", "text": "hello"},
		map[string]any{"parse_json": true}, nil, 0)

	resp, err := step.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(resp.Outputs["obj"], map[string]any{"a": float64(1)}) {
		t.Errorf("obj = %#v", resp.Outputs["obj"])
	}
	if resp.Outputs["num"] != int64(7) {
		t.Errorf("num = %#v", resp.Outputs["num"])
	}
	if resp.Outputs["flag"] != true {
		t.Errorf("flag = %#v", resp.Outputs["flag"])
	}
	if resp.Outputs["text"] != "hello" {
		t.Errorf("text = %#v", resp.Outputs["text"])
	}
}

func TestTransformStep_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTransformStep().Execute(ctx, NewRequest("t", nil, nil, nil, 0))
	if !errors.Is(err, ErrStepCancelled) {
		t.Errorf("expected ErrStepCancelled, got %v", err)
	}
}

// Variable Steps Tests

func TestVariableSteps(t *testing.T) {
	ctx := context.Background()
	vars := NewVariables()

	set := NewRequest("set", map[string]any{"value": "hello"}, map[string]any{"variable_name": "greeting"}, nil, 0)
	set.Vars = vars
	if _, err := NewSetVariableStep().Execute(ctx, set); err != nil {
		t.Fatalf("set_variable: %v", err)
	}

	get := NewRequest("get", nil, map[string]any{"variable_name": "greeting"}, []string{"text"}, 0)
	get.Vars = vars
	resp, err := NewGetVariableStep().Execute(ctx, get)
	if err != nil {
		t.Fatalf("get_variable: %v", err)
	}
	if resp.Outputs["text"] != "hello" {
		t.Errorf("text = %v", resp.Outputs["text"])
	}

	many := NewRequest("many", nil, map[string]any{"variables": map[string]any{"a": "greeting"}}, []string{"a"}, 0)
	many.Vars = vars
	resp, err = NewGetVariablesStep().Execute(ctx, many)
	if err != nil {
		t.Fatalf("get_variables: %v", err)
	}
	if resp.Outputs["a"] != "hello" {
		t.Errorf("a = %v", resp.Outputs["a"])
	}

	missing := NewRequest("get", nil, map[string]any{"variable_name": "nope"}, nil, 0)
	missing.Vars = vars
	if _, err := NewGetVariableStep().Execute(ctx, missing); !errors.Is(err, ErrVariableNotFound) {
		t.Errorf("expected ErrVariableNotFound, got %v", err)
	}

	noStore := NewRequest("get", nil, map[string]any{"variable_name": "greeting"}, nil, 0)
	if _, err := NewGetVariableStep().Execute(ctx, noStore); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig without store, got %v", err)
	}
}
