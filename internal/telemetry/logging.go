package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
)

// Форматы вывода логов (LOG_FORMAT).
const (
	FormatJSON = "json"
	FormatText = "text"
)

// LogLevel возвращает уровень логирования из LOG_LEVEL.
//
// Принимает DEBUG, INFO, WARN, ERROR в любом регистре и смещения вида
// "INFO+2". Пустое или неразборчивое значение — INFO.
func LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger создаёт логгер с выводом в w.
//
// format — FormatJSON или FormatText (остальное считается JSON).
// На уровне DEBUG в записи добавляется источник.
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	if format == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetupLogger создаёт логгер сервиса и делает его глобальным.
//
// Уровень — LOG_LEVEL, формат — LOG_FORMAT ("json" по умолчанию, "text" для
// разработки). Каждая запись содержит service, чтобы логи api, worker и
// scheduler можно было разделить в общем хранилище.
func SetupLogger(service string) *slog.Logger {
	logger := NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"), LogLevel())
	if service != "" {
		logger = logger.With("service", service)
	}
	slog.SetDefault(logger)
	return logger
}

// ctxKey — ключ логгера в context.
type ctxKey struct{}

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ForRun возвращает логгер run: run_id и flow.
func ForRun(logger *slog.Logger, runID uuid.UUID, flow string) *slog.Logger {
	return logger.With("run_id", runID.String(), "flow", flow)
}

// ForNode возвращает логгер узла: node, kind и origin для узлов из под-flow.
func ForNode(logger *slog.Logger, node *domain.NodeDef) *slog.Logger {
	if node.Origin != "" {
		return logger.With("node", node.Name, "kind", node.Kind, "origin", node.Origin)
	}
	return logger.With("node", node.Name, "kind", node.Kind)
}

// LogNodeResult пишет итог узла. Уровень зависит от статуса:
// FAILED — ERROR, SKIPPED — WARN, остальные — INFO.
func LogNodeResult(ctx context.Context, logger *slog.Logger, result *domain.NodeResult) {
	attrs := []slog.Attr{
		slog.String("status", string(result.Status)),
		slog.Int("attempts", result.Attempts),
		slog.Duration("duration", result.Duration()),
	}

	level := slog.LevelInfo
	switch result.Status {
	case domain.NodeStatusFailed:
		level = slog.LevelError
		attrs = append(attrs, slog.String("error_kind", result.ErrorKind), slog.String("error", result.Error))
	case domain.NodeStatusSkipped:
		level = slog.LevelWarn
	}

	logger.LogAttrs(ctx, level, "node finished", attrs...)
}
