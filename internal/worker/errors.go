package worker

import "errors"

// Ошибки воркера.
var (
	// ErrFlowNotFound — запрошенный flow (или под-flow) не сохранён.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrInvalidRequest — сообщение run.requested не содержит обязательных полей.
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrRunAlreadyFinished — run с таким ID уже завершён (повторная доставка).
	ErrRunAlreadyFinished = errors.New("run already finished")

	// ErrRunInProgress — run с таким ID уже выполняется этим worker
	// (повторная доставка после разрыва соединения).
	ErrRunInProgress = errors.New("run already in progress")
)
