package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Flow — сохранённый flow (документ верхнего уровня).
//
// Один flow может иметь множество версий (FlowVersion).
// Каждый запуск (Run) выполняет конкретную версию flow.
type Flow struct {
	// ID — уникальный идентификатор flow.
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя flow (например, "csv-report").
	Name string `json:"name"`

	// IsActive — флаг активности. Неактивные flows не запускаются по расписанию.
	IsActive bool `json:"is_active"`

	// CreatedAt — время создания flow.
	CreatedAt time.Time `json:"created_at"`
}

// FlowVersion — версия flow с конкретным документом.
type FlowVersion struct {
	// FlowID — ссылка на родительский flow.
	FlowID uuid.UUID `json:"flow_id"`

	// Version — номер версии (1, 2, 3, ...).
	Version int `json:"version"`

	// Doc — документ flow (узлы, defaults, outputs).
	Doc FlowDoc `json:"doc"`

	// CreatedAt — время создания версии.
	CreatedAt time.Time `json:"created_at"`
}

// Типы узлов, известные ядру.
//
// Ядро не делает switch по типу узла: исполнение всегда идёт через реестр.
// Константы нужны композитору и встроенным шагам.
const (
	KindFunctionCall = "function_call"
	KindLLMService   = "llm_service"
	KindTransform    = "transform"

	// KindSubFlow — узел-вызов под-flow. Существует только до композиции.
	KindSubFlow = "sub_flow"

	// Узлы переменных run. Граф строит рёбра от set_variable к читателям.
	KindSetVariable  = "set_variable"
	KindGetVariable  = "get_variable"
	KindGetVariables = "get_variables"
)

// Поля узлов переменных.
const (
	// FieldVariableName — имя переменной (set_variable, get_variable).
	FieldVariableName = "variable_name"

	// FieldVariables — output → имя переменной (get_variables).
	FieldVariables = "variables"
)

// FlowDoc — документ flow в том виде, в каком его пишет автор.
//
// Документ-под-flow дополнительно объявляет Inputs и Outputs.
type FlowDoc struct {
	// Name — имя flow.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description — описание назначения flow.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Inputs — явно объявленные внешние входы ({{ name }} внутри узлов).
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Schedule — cron-выражение для запуска по расписанию (опционально).
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// Defaults — настройки по умолчанию для всех узлов.
	Defaults *NodeDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Nodes — узлы flow в порядке объявления.
	Nodes []NodeDef `json:"nodes" yaml:"nodes"`

	// Outputs — выходы под-flow: имя → ссылка ({{ node.key }}).
	Outputs map[string]any `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// NodeDefaults — настройки по умолчанию для узлов.
type NodeDefaults struct {
	// Retry — политика повторных попыток.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// TimeoutSec — таймаут выполнения в секундах.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// NodeDef — определение узла.
type NodeDef struct {
	// Name — уникальный в рамках flow идентификатор узла.
	Name string `json:"name" yaml:"name"`

	// Kind — тип узла: "function_call", "llm_service", ...
	// В документе поле называется "type".
	Kind string `json:"type" yaml:"type"`

	// Params — параметры узла. Строки могут содержать {{ node.key }}.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Outputs — объявленные выходы узла (в порядке объявления).
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Retry — политика повторных попыток. Переопределяет defaults.retry.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// TimeoutSec — таймаут узла. Переопределяет defaults.timeout_sec.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`

	// Origin — путь под-flow, из которого пришёл узел после композиции.
	// Пусто для узлов базового документа.
	Origin string `json:"origin,omitempty" yaml:"origin,omitempty"`

	// Fields — поля, специфичные для типа (function, service, model, ...).
	// Ядро передаёт их исполнителю без изменений.
	Fields map[string]any `json:"-" yaml:",inline"`
}

// Field возвращает строковое поле, специфичное для типа.
func (n *NodeDef) Field(key string) string {
	if v, ok := n.Fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Clone возвращает глубокую копию узла.
func (n NodeDef) Clone() NodeDef {
	out := n
	out.Params = CloneMap(n.Params)
	out.Fields = CloneMap(n.Fields)
	if n.Outputs != nil {
		out.Outputs = append([]string(nil), n.Outputs...)
	}
	if n.Retry != nil {
		r := *n.Retry
		out.Retry = &r
	}
	return out
}

// reservedNodeKeys — ключи записи узла, которые не попадают в Fields.
var reservedNodeKeys = map[string]bool{
	"name": true, "type": true, "params": true, "outputs": true,
	"retry": true, "timeout_sec": true, "origin": true,
}

// nodeDefJSON — NodeDef без собственных методов сериализации.
type nodeDefJSON NodeDef

// MarshalJSON разворачивает Fields в объект узла.
func (n NodeDef) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(nodeDefJSON(n))
	if err != nil {
		return nil, err
	}
	if len(n.Fields) == 0 {
		return base, nil
	}

	merged := make(map[string]any)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range n.Fields {
		if reservedNodeKeys[k] {
			return nil, fmt.Errorf("node %s: field %q is reserved", n.Name, k)
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON собирает незнакомые ключи в Fields.
func (n *NodeDef) UnmarshalJSON(data []byte) error {
	var base nodeDefJSON
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if reservedNodeKeys[k] {
			continue
		}
		if base.Fields == nil {
			base.Fields = make(map[string]any)
		}
		base.Fields[k] = v
	}

	*n = NodeDef(base)
	return nil
}

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

// ComposedFlow — результат композиции: плоский граф узлов.
//
// Узлы уже не содержат sub_flow, имена уникальны. Inputs и Outputs
// сохраняются, чтобы композированный flow можно было снова использовать
// как под-flow.
type ComposedFlow struct {
	// Name — имя базового flow.
	Name string

	// Description — описание базового flow.
	Description string

	// Schedule — cron-выражение базового flow.
	Schedule string

	// Inputs — объявленные внешние входы базового flow.
	Inputs []string

	// Defaults — настройки по умолчанию базового документа.
	Defaults *NodeDefaults

	// Nodes — узлы в порядке объявления.
	Nodes []NodeDef

	// Outputs — выходы flow (для использования в роли под-flow).
	Outputs map[string]any
}

// Node возвращает узел по имени.
func (f *ComposedFlow) Node(name string) *NodeDef {
	for i := range f.Nodes {
		if f.Nodes[i].Name == name {
			return &f.Nodes[i]
		}
	}
	return nil
}

// Names возвращает имена узлов в порядке объявления.
func (f *ComposedFlow) Names() []string {
	names := make([]string, len(f.Nodes))
	for i := range f.Nodes {
		names[i] = f.Nodes[i].Name
	}
	return names
}

// Doc возвращает композированный flow в формате документа
// (пригоден для повторного парсинга и повторной композиции).
func (f *ComposedFlow) Doc() *FlowDoc {
	doc := &FlowDoc{
		Name:        f.Name,
		Description: f.Description,
		Schedule:    f.Schedule,
		Defaults:    f.Defaults,
		Nodes:       make([]NodeDef, len(f.Nodes)),
		Outputs:     CloneMap(f.Outputs),
	}
	if f.Inputs != nil {
		doc.Inputs = append([]string(nil), f.Inputs...)
	}
	for i := range f.Nodes {
		doc.Nodes[i] = f.Nodes[i].Clone()
	}
	return doc
}

// ParseDoc декодирует документ flow из YAML (или JSON).
func ParseDoc(data []byte) (*FlowDoc, error) {
	var doc FlowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse flow document: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

// EncodeDoc кодирует документ flow в YAML.
func EncodeDoc(doc *FlowDoc) ([]byte, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode flow document: %w", err)
	}
	return data, nil
}

// normalize приводит значения, декодированные yaml.v3, к map[string]any / []any.
func (d *FlowDoc) normalize() {
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if v, ok := NormalizeValue(n.Params).(map[string]any); ok {
			n.Params = v
		}
		if v, ok := NormalizeValue(n.Fields).(map[string]any); ok {
			n.Fields = v
		}
	}
	if v, ok := NormalizeValue(d.Outputs).(map[string]any); ok {
		d.Outputs = v
	}
}

// NormalizeValue рекурсивно приводит map[any]any и map[string]any к единому виду.
func NormalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if v == nil {
			return v
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = NormalizeValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = NormalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = NormalizeValue(val)
		}
		return out
	default:
		return value
	}
}

// CloneMap возвращает глубокую копию map (вложенные map и slice копируются).
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue возвращает глубокую копию значения.
func CloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return CloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = CloneValue(val)
		}
		return out
	default:
		return value
	}
}
