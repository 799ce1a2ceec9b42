package engine

import (
	"errors"
	"strings"
)

// Ошибки валидации flow.
var (
	// ErrEmptyFlow — flow не содержит узлов.
	ErrEmptyFlow = errors.New("flow has no nodes")

	// ErrEmptyNodeName — узел не имеет имени.
	ErrEmptyNodeName = errors.New("node has empty name")

	// ErrDuplicateNode — несколько узлов с одинаковым именем.
	ErrDuplicateNode = errors.New("duplicate node name")

	// ErrInvalidNodeName — имя узла нельзя использовать в ссылке.
	ErrInvalidNodeName = errors.New("invalid node name")

	// ErrUnknownNodeKind — для типа узла не зарегистрирован исполнитель.
	ErrUnknownNodeKind = errors.New("unknown node kind")

	// ErrDuplicateOutputKey — узел объявляет один output дважды.
	ErrDuplicateOutputKey = errors.New("duplicate output key")

	// ErrInvalidRetryPolicy — некорректная политика повторов.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrUnknownNodeReference — параметр ссылается на узел, которого нет во flow.
	ErrUnknownNodeReference = errors.New("reference to unknown node")

	// ErrCycleDetected — обнаружен цикл в зависимостях.
	ErrCycleDetected = errors.New("cyclic dependency detected")

	// ErrDuplicateVariable — переменную устанавливают несколько узлов
	// или её имя совпадает с именем узла или входа.
	ErrDuplicateVariable = errors.New("duplicate variable")

	// ErrUnknownVariable — узел читает переменную, которую не устанавливает ни один узел.
	ErrUnknownVariable = errors.New("unknown variable")
)

// Ошибки ссылок ({{ node.key }}).
var (
	// ErrReference — общая ошибка разрешения ссылки.
	ErrReference = errors.New("reference error")

	// ErrMalformedReference — выражение не соответствует грамматике.
	ErrMalformedReference = errors.New("malformed reference")

	// ErrUnknownNode — ссылка на узел, которого нет во flow.
	ErrUnknownNode = errors.New("unknown node")

	// ErrNotYetExecuted — узел существует, но его outputs ещё не записаны.
	ErrNotYetExecuted = errors.New("node not yet executed")

	// ErrUnknownOutputKey — узел не объявляет такой output.
	ErrUnknownOutputKey = errors.New("unknown output key")

	// ErrPathNotFound — вложенный путь не найден в значении output.
	ErrPathNotFound = errors.New("path not found in output value")
)

// Ошибки композиции.
var (
	// ErrComposition — общая ошибка композиции.
	ErrComposition = errors.New("composition error")

	// ErrUnknownSubFlow — под-flow с таким именем не передан.
	ErrUnknownSubFlow = errors.New("unknown sub-flow")

	// ErrNameCollision — имя после namespacing совпало с существующим.
	ErrNameCollision = errors.New("node name collision")

	// ErrUnboundInput — у входа под-flow нет привязки в вызывающем узле.
	ErrUnboundInput = errors.New("unbound sub-flow input")

	// ErrUnknownInput — вызывающий узел передаёт параметр, который под-flow не использует.
	ErrUnknownInput = errors.New("binding for unknown sub-flow input")

	// ErrUndeclaredSubFlowOutput — вызывающий узел ждёт output, которого под-flow не объявляет.
	ErrUndeclaredSubFlowOutput = errors.New("sub-flow does not declare output")

	// ErrRecursiveSubFlow — под-flow (косвенно) вызывает сам себя.
	ErrRecursiveSubFlow = errors.New("recursive sub-flow")
)

// ErrOutputsAlreadyRecorded — outputs узла уже записаны (store append-only).
var ErrOutputsAlreadyRecorded = errors.New("outputs already recorded")

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Node    string // узел, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Node != "" {
		return "node " + e.Node + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(node, field, message string, err error) *ValidationError {
	return &ValidationError{
		Node:    node,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// ReferenceError — ошибка разрешения ссылки.
//
// errors.Is работает и с ErrReference, и с конкретной причиной (ErrUnknownNode и т.д.).
type ReferenceError struct {
	Token  string // исходный текст ссылки, например "{{ read_csv.data }}"
	Target string // узел, на который указывает ссылка
	Err    error  // причина
}

// Error реализует интерфейс error.
func (e *ReferenceError) Error() string {
	msg := "reference " + e.Token
	if e.Target != "" {
		msg += " (node " + e.Target + ")"
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap возвращает ErrReference и причину.
func (e *ReferenceError) Unwrap() []error {
	return []error{ErrReference, e.Err}
}

// CompositionError — ошибка композиции документов.
type CompositionError struct {
	Flow    string // алиас под-flow (пусто для базового документа)
	Node    string // узел, на котором обнаружена ошибка
	Message string // описание
	Err     error  // причина
}

// Error реализует интерфейс error.
func (e *CompositionError) Error() string {
	var b strings.Builder
	b.WriteString("compose")
	if e.Flow != "" {
		b.WriteString(" sub-flow " + e.Flow)
	}
	if e.Node != "" {
		b.WriteString(" node " + e.Node)
	}
	b.WriteString(": " + e.Message)
	return b.String()
}

// Unwrap возвращает ErrComposition и причину.
func (e *CompositionError) Unwrap() []error {
	return []error{ErrComposition, e.Err}
}

// CycleError — цикл в графе зависимостей.
type CycleError struct {
	// Path — узлы цикла в направлении рёбер (от источника данных к потребителю).
	// Последний узел ссылается на первый. Для ссылки на себя — один узел.
	Path []string
}

// Error реализует интерфейс error.
func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycleDetected.Error()
	}
	return ErrCycleDetected.Error() + ": " + strings.Join(e.Path, " -> ") + " -> " + e.Path[0]
}

// Unwrap возвращает ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
