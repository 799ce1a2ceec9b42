package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED
//	          (или) → CANCELLED (из PENDING или RUNNING)
type RunStatus string

const (
	// RunStatusPending — run создан, но ещё не начал выполняться.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — все узлы завершились успешно.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — хотя бы один узел упал, либо flow невалиден.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCancelled — run отменён снаружи.
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus — статус узла внутри run.
//
// Жизненный цикл:
//
//	PENDING → READY → RUNNING → SUCCEEDED
//	                          ↘ FAILED
//	PENDING → SKIPPED (упала зависимость, включён ContinueOnError)
type NodeStatus string

const (
	// NodeStatusPending — зависимости ещё не выполнены.
	NodeStatusPending NodeStatus = "PENDING"

	// NodeStatusReady — все зависимости SUCCEEDED, узел ждёт запуска.
	NodeStatusReady NodeStatus = "READY"

	// NodeStatusRunning — узел выполняется исполнителем.
	NodeStatusRunning NodeStatus = "RUNNING"

	// NodeStatusSucceeded — узел завершён, outputs записаны.
	NodeStatusSucceeded NodeStatus = "SUCCEEDED"

	// NodeStatusFailed — узел упал после всех попыток.
	NodeStatusFailed NodeStatus = "FAILED"

	// NodeStatusSkipped — узел не запускался из-за упавшей зависимости.
	NodeStatusSkipped NodeStatus = "SKIPPED"
)

// IsTerminal возвращает true, если статус финальный.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление NodeStatus.
func (s NodeStatus) String() string {
	return string(s)
}
