package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/shaiso/genflow/internal/domain"
)

// Поля узла llm_service.
const (
	fieldService      = "service"
	fieldModel        = "model"
	fieldSystemPrompt = "system_prompt"
	fieldTemperature  = "temperature"
	fieldMaxTokens    = "max_tokens"
	fieldFunctionCall = "function_call"

	paramPrompt = "prompt"

	// ServiceOpenAI — единственный поддерживаемый сервис.
	ServiceOpenAI = "openai"

	defaultModel = openai.GPT4oMini
)

// ChatCompleter — часть клиента OpenAI, которая нужна LLMStep.
// *openai.Client реализует этот интерфейс.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// FunctionSchema — описание функции для tool calling.
type FunctionSchema struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// LLMStep — исполнитель узлов llm_service.
//
// Поля узла:
//
//	service: openai
//	model: gpt-4o-mini
//	system_prompt: "You are a data analyst."   # опционально
//	temperature: 0.2                           # опционально
//	max_tokens: 512                            # опционально
//	function_call:                             # опционально
//	  name: extract_entities
//
// Params:
//
//	prompt: "{{ process_data.processed_data }}"
//
// Узел объявляет ровно один output. Без function_call в него пишется текст ответа,
// с function_call — аргументы вызова функции (map), если модель вызвала функцию.
type LLMStep struct {
	client ChatCompleter

	mu      sync.RWMutex
	schemas map[string]FunctionSchema
}

// NewLLMStep создаёт LLMStep. schemas — функции, доступные через function_call.
func NewLLMStep(client ChatCompleter, schemas []FunctionSchema) *LLMStep {
	s := &LLMStep{
		client:  client,
		schemas: make(map[string]FunctionSchema, len(schemas)),
	}
	for _, schema := range schemas {
		s.schemas[schema.Name] = schema
	}
	return s
}

// Kind возвращает тип узла.
func (s *LLMStep) Kind() string {
	return domain.KindLLMService
}

// RegisterSchema добавляет описание функции для tool calling.
func (s *LLMStep) RegisterSchema(schema FunctionSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.Name] = schema
}

// Execute отправляет prompt модели.
func (s *LLMStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	chatReq, err := s.buildRequest(req)
	if err != nil {
		return nil, err
	}

	if s.client == nil {
		return nil, fmt.Errorf("%w: %s: openai client is not configured", ErrInvalidConfig, domain.KindLLMService)
	}

	resp, err := s.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("llm node %s: %w", req.Node, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: node %s", ErrEmptyCompletion, req.Node)
	}

	output := req.Outputs[0]
	message := resp.Choices[0].Message

	// Модель вызвала функцию — возвращаем аргументы вызова
	if len(message.ToolCalls) > 0 {
		var args any
		if err := json.Unmarshal([]byte(message.ToolCalls[0].Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("llm node %s: decode tool arguments: %w", req.Node, err)
		}
		return NewResponse(map[string]any{output: args}), nil
	}

	return NewResponse(map[string]any{output: strings.TrimSpace(message.Content)}), nil
}

// buildRequest собирает запрос к chat completions API.
func (s *LLMStep) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	var chatReq openai.ChatCompletionRequest

	service := GetConfigString(req.Fields, fieldService)
	if service == "" {
		service = ServiceOpenAI
	}
	if service != ServiceOpenAI {
		return chatReq, fmt.Errorf("%w: %s: unsupported service %q", ErrInvalidConfig, domain.KindLLMService, service)
	}

	if len(req.Outputs) != 1 {
		return chatReq, fmt.Errorf("%w: %s: node must declare exactly one output, got %d",
			ErrInvalidConfig, domain.KindLLMService, len(req.Outputs))
	}

	prompt, ok := req.Params[paramPrompt]
	if !ok {
		return chatReq, fmt.Errorf("%w: %s: param %q is required", ErrInvalidConfig, domain.KindLLMService, paramPrompt)
	}

	model := GetConfigString(req.Fields, fieldModel)
	if model == "" {
		model = defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if system := GetConfigString(req.Fields, fieldSystemPrompt); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: promptText(prompt),
	})

	chatReq = openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: GetConfigInt(req.Fields, fieldMaxTokens),
	}
	if t, ok := GetConfigFloat(req.Fields, fieldTemperature); ok {
		chatReq.Temperature = float32(t)
	}

	if call := GetConfigMap(req.Fields, fieldFunctionCall); call != nil {
		name := GetConfigString(call, "name")
		s.mu.RLock()
		schema, ok := s.schemas[name]
		s.mu.RUnlock()
		if !ok {
			return chatReq, fmt.Errorf("%w: %s: no schema for function %q", ErrInvalidConfig, domain.KindLLMService, name)
		}

		chatReq.Tools = []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  schema.Parameters,
			},
		}}
		chatReq.ToolChoice = "auto"
	}

	return chatReq, nil
}

// promptText приводит prompt к строке: структуры отправляются как JSON.
func promptText(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case nil:
		return ""
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprint(p)
		}
		return string(b)
	}
}
