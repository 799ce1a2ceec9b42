package steps

import (
	"context"
	"encoding/json"

	"github.com/shaiso/genflow/internal/domain"
)

const (
	// StepTypeTransform — тип узла трансформации.
	StepTypeTransform = domain.KindTransform

	// Поле: разбирать строковые значения как JSON.
	fieldParseJSON = "parse_json"
)

// TransformStep — узел трансформации данных.
//
// Возвращает разрешённые params как outputs. Ссылки в params уже подставлены,
// поэтому узел переупаковывает outputs других узлов под новыми именами.
// Композитор заменяет вызов под-flow таким узлом.
//
//	nodes:
//	  - name: report
//	    type: transform
//	    parse_json: true          # опционально
//	    params:
//	      total: "{{ count.value }}"
//	      first: "{{ fetch.body.items.0 }}"
//	    outputs: [total, first]
//
// Если outputs объявлены, возвращаются только они.
type TransformStep struct{}

// NewTransformStep создаёт новый TransformStep.
func NewTransformStep() *TransformStep {
	return &TransformStep{}
}

// Kind возвращает тип узла.
func (s *TransformStep) Kind() string {
	return StepTypeTransform
}

// Execute выполняет трансформацию данных.
func (s *TransformStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	// Проверяем context
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	parse := GetConfigBool(req.Fields, fieldParseJSON, false)

	outputs := make(map[string]any, len(req.Params))
	for key, val := range req.Params {
		if len(req.Outputs) > 0 && !contains(req.Outputs, key) {
			continue
		}
		if str, ok := val.(string); ok && parse {
			outputs[key] = s.parseValue(str)
			continue
		}
		outputs[key] = domain.CloneValue(val)
	}

	return NewResponse(outputs), nil
}

// parseValue пытается распарсить строку как JSON.
// Если не получается — возвращает строку как есть.
func (s *TransformStep) parseValue(value string) any {
	// Пробуем как JSON object
	var obj map[string]any
	if err := json.Unmarshal([]byte(value), &obj); err == nil {
		return obj
	}

	// Пробуем как JSON array
	var arr []any
	if err := json.Unmarshal([]byte(value), &arr); err == nil {
		return arr
	}

	// Пробуем как JSON number
	var num json.Number
	if err := json.Unmarshal([]byte(value), &num); err == nil {
		// Пробуем как int
		if i, err := num.Int64(); err == nil {
			return i
		}
		// Иначе как float
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	// Пробуем как JSON bool
	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}

	// Возвращаем как строку
	return value
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
