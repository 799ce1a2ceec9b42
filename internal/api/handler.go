package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/engine"
	"github.com/shaiso/genflow/internal/mq"
	"github.com/shaiso/genflow/internal/repo"
	"github.com/shaiso/genflow/internal/telemetry"
)

// FlowStore — хранилище flows и их версий (repo.FlowRepo).
type FlowStore interface {
	List(ctx context.Context) ([]domain.Flow, error)
	GetByName(ctx context.Context, name string) (*domain.Flow, error)
	Update(ctx context.Context, flow *domain.Flow) error
	Delete(ctx context.Context, id uuid.UUID) error
	Save(ctx context.Context, doc *domain.FlowDoc) (*domain.FlowVersion, error)
	ListVersions(ctx context.Context, flowID uuid.UUID) ([]domain.FlowVersion, error)
	GetVersionByName(ctx context.Context, name string, version int) (*domain.FlowVersion, error)
}

// RunStore — хранилище runs (repo.RunRepo).
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
	ListNodeResults(ctx context.Context, runID uuid.UUID) ([]domain.NodeResult, error)
}

// RunRequester публикует запросы на выполнение (mq.Publisher).
type RunRequester interface {
	PublishRunRequested(ctx context.Context, payload mq.RunRequestedPayload) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	flows     FlowStore
	runs      RunStore
	requester RunRequester
	kinds     engine.KindSet
	metrics   *telemetry.HTTPMetrics
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Flows     FlowStore
	Runs      RunStore
	Requester RunRequester

	// Kinds — известные типы узлов для проверки загружаемых документов
	// (обычно steps.Registry). nil — типы не проверяются.
	Kinds engine.KindSet

	// Metrics — метрики HTTP запросов (опционально).
	Metrics *telemetry.HTTPMetrics

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		flows:     cfg.Flows,
		runs:      cfg.Runs,
		requester: cfg.Requester,
		kinds:     cfg.Kinds,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}
