package steps

import (
	"context"
	"errors"
	"time"
)

// Ошибки шагов.
var (
	// ErrStepNotFound — тип узла не найден в реестре.
	ErrStepNotFound = errors.New("step type not found")

	// ErrInvalidConfig — невалидная конфигурация узла.
	ErrInvalidConfig = errors.New("invalid step config")

	// ErrStepCancelled — выполнение отменено.
	ErrStepCancelled = errors.New("step execution cancelled")

	// ErrFunctionNotFound — функция не зарегистрирована в Functions.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrVariableNotFound — переменная run не установлена.
	ErrVariableNotFound = errors.New("variable not found")

	// ErrEmptyCompletion — LLM сервис вернул пустой ответ.
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrNonRetryable — повтор не изменит результат (например, HTTP 4xx).
	// Orchestrator не тратит на такую ошибку попытки RetryPolicy.
	ErrNonRetryable = errors.New("non-retryable step error")
)

// Step — исполнитель одного типа узлов.
//
// Каждый тип (function_call, llm_service, transform, ...) реализует этот интерфейс.
// Новый тип добавляется регистрацией в Registry, orchestrator при этом не меняется.
type Step interface {
	// Kind возвращает тип узла, который исполняет шаг.
	Kind() string

	// Execute выполняет узел и возвращает outputs.
	// Шаг должен проверять ctx.Done() для graceful shutdown.
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Request — входные данные для выполнения узла.
type Request struct {
	// Node — имя узла.
	Node string

	// Params — параметры узла с уже подставленными ссылками.
	Params map[string]any

	// Fields — поля, специфичные для типа (function, service, model, ...).
	Fields map[string]any

	// Outputs — объявленные outputs узла.
	Outputs []string

	// Vars — переменные текущего run (set_variable / get_variable).
	Vars *Variables

	// Timeout — таймаут выполнения узла.
	// Если 0, используется таймаут по умолчанию.
	Timeout time.Duration
}

// Response — результат выполнения узла.
type Response struct {
	// Outputs — выходные данные узла.
	// Доступны в следующих узлах через {{ node.key }}.
	Outputs map[string]any
}

// NewRequest создаёт новый Request.
func NewRequest(node string, params, fields map[string]any, outputs []string, timeout time.Duration) *Request {
	if params == nil {
		params = make(map[string]any)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Request{
		Node:    node,
		Params:  params,
		Fields:  fields,
		Outputs: outputs,
		Timeout: timeout,
	}
}

// NewResponse создаёт новый Response с outputs.
func NewResponse(outputs map[string]any) *Response {
	if outputs == nil {
		outputs = make(map[string]any)
	}
	return &Response{
		Outputs: outputs,
	}
}

// EmptyResponse возвращает пустой Response.
func EmptyResponse() *Response {
	return &Response{
		Outputs: make(map[string]any),
	}
}

// checkContext возвращает ErrStepCancelled, если контекст уже отменён.
func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Join(ErrStepCancelled, ctx.Err())
	default:
		return nil
	}
}

// GetConfigString извлекает строковое значение из конфига.
func GetConfigString(config map[string]any, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetConfigInt извлекает числовое значение из конфига.
func GetConfigInt(config map[string]any, key string) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// GetConfigFloat извлекает число с плавающей точкой из конфига.
func GetConfigFloat(config map[string]any, key string) (float64, bool) {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return 0, false
}

// GetConfigBool извлекает булево значение из конфига.
func GetConfigBool(config map[string]any, key string, defaultVal bool) bool {
	if v, ok := config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetConfigMap извлекает map из конфига.
func GetConfigMap(config map[string]any, key string) map[string]any {
	if v, ok := config[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// GetConfigMapString извлекает map[string]string из конфига.
func GetConfigMapString(config map[string]any, key string) map[string]string {
	if v, ok := config[key]; ok {
		switch m := v.(type) {
		case map[string]string:
			return m
		case map[string]any:
			result := make(map[string]string)
			for k, val := range m {
				if s, ok := val.(string); ok {
					result[k] = s
				}
			}
			return result
		}
	}
	return nil
}
