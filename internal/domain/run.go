package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — экземпляр выполнения flow.
//
// Run создаётся когда:
// - Пользователь запускает flow через CLI
// - Worker получает запрос run.requested
// - Scheduler запускает flow по расписанию
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// FlowName — имя выполняемого flow.
	FlowName string `json:"flow_name"`

	// Version — версия flow (0 для документов, запущенных из файла).
	Version int `json:"version,omitempty"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Inputs — входные параметры, переданные при запуске.
	Inputs map[string]any `json:"inputs,omitempty"`

	// StartedAt — время начала выполнения.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения (успешного или с ошибкой).
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error — текст ошибки, если run завершился с FAILED.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// NewRun создаёт run в статусе PENDING.
func NewRun(flowName string, inputs map[string]any) *Run {
	return &Run{
		ID:        uuid.New(),
		FlowName:  flowName,
		Status:    RunStatusPending,
		Inputs:    inputs,
		CreatedAt: time.Now(),
	}
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkRunning переводит run в статус RUNNING.
func (r *Run) MarkRunning() {
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
}

// MarkSucceeded переводит run в статус SUCCEEDED.
func (r *Run) MarkSucceeded() {
	now := time.Now()
	r.Status = RunStatusSucceeded
	r.FinishedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *Run) MarkFailed(err string) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.Error = err
}

// MarkCancelled переводит run в статус CANCELLED.
func (r *Run) MarkCancelled() {
	now := time.Now()
	r.Status = RunStatusCancelled
	r.FinishedAt = &now
}

// NodeResult — состояние и результат одного узла в run.
type NodeResult struct {
	// Node — имя узла.
	Node string `json:"node"`

	// Kind — тип узла.
	Kind string `json:"kind"`

	// Status — текущий статус узла.
	Status NodeStatus `json:"status"`

	// Attempts — количество выполненных попыток.
	Attempts int `json:"attempts"`

	// Outputs — выходы узла (только для SUCCEEDED).
	Outputs map[string]any `json:"outputs,omitempty"`

	// ErrorKind — класс ошибки: "reference", "executor", "timeout", ...
	ErrorKind string `json:"error_kind,omitempty"`

	// Error — текст ошибки.
	Error string `json:"error,omitempty"`

	// StartedAt — время начала первой попытки.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration возвращает продолжительность выполнения узла.
func (n *NodeResult) Duration() time.Duration {
	if n.StartedAt == nil || n.FinishedAt == nil {
		return 0
	}
	return n.FinishedAt.Sub(*n.StartedAt)
}
