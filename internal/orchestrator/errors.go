package orchestrator

import (
	"errors"
	"fmt"

	"github.com/shaiso/genflow/internal/steps"
)

// Ошибки оркестратора.
var (
	// ErrNodeTimeout — попытка узла превысила таймаут.
	ErrNodeTimeout = errors.New("node timed out")

	// ErrOutputMismatch — исполнитель не вернул объявленный output.
	ErrOutputMismatch = errors.New("node outputs do not match declaration")

	// ErrRunCancelled — run отменён до завершения всех узлов.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrNoRegistry — оркестратор создан без реестра исполнителей.
	ErrNoRegistry = errors.New("orchestrator has no step registry")
)

// Классы ошибок узла (NodeResult.ErrorKind).
const (
	ErrorKindReference      = "reference"
	ErrorKindUnknownKind    = "unknown_kind"
	ErrorKindExecutor       = "executor"
	ErrorKindTimeout        = "timeout"
	ErrorKindOutputMismatch = "output_mismatch"
	ErrorKindCancelled      = "cancelled"
)

// RunError — ошибка выполнения конкретного узла.
//
// Всегда содержит имя узла и класс ошибки.
type RunError struct {
	Node string // имя узла
	Kind string // класс ошибки (ErrorKind*)
	Err  error  // причина
}

// Error реализует интерфейс error.
func (e *RunError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.Node, e.Kind, e.Err)
}

// Unwrap возвращает причину.
func (e *RunError) Unwrap() error {
	return e.Err
}

// retryable сообщает, можно ли повторить попытку.
// Повторяются только ошибки исполнителя и таймауты. Ошибка, помеченная
// исполнителем как steps.ErrNonRetryable, не повторяется.
func (e *RunError) retryable() bool {
	if errors.Is(e.Err, steps.ErrNonRetryable) {
		return false
	}
	return e.Kind == ErrorKindExecutor || e.Kind == ErrorKindTimeout
}
