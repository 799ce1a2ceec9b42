package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/genflow/internal/domain"
)

// FlowRepo — репозиторий для работы с flows и flow_versions.
type FlowRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRepo создаёт новый FlowRepo.
func NewFlowRepo(pool *pgxpool.Pool) *FlowRepo {
	return &FlowRepo{pool: pool}
}

// --- Flow CRUD ---

// Create создаёт новый flow.
func (r *FlowRepo) Create(ctx context.Context, flow *domain.Flow) error {
	query := `
		INSERT INTO flows (id, name, is_active, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.pool.Exec(ctx, query,
		flow.ID,
		flow.Name,
		flow.IsActive,
		flow.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

// GetByID возвращает flow по ID.
func (r *FlowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error) {
	query := `
		SELECT id, name, is_active, created_at
		FROM flows
		WHERE id = $1
	`
	var flow domain.Flow
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&flow.ID,
		&flow.Name,
		&flow.IsActive,
		&flow.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow by id: %w", err)
	}
	return &flow, nil
}

// GetByName возвращает flow по имени.
func (r *FlowRepo) GetByName(ctx context.Context, name string) (*domain.Flow, error) {
	query := `
		SELECT id, name, is_active, created_at
		FROM flows
		WHERE name = $1
	`
	var flow domain.Flow
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&flow.ID,
		&flow.Name,
		&flow.IsActive,
		&flow.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow by name: %w", err)
	}
	return &flow, nil
}

// List возвращает список всех flows.
func (r *FlowRepo) List(ctx context.Context) ([]domain.Flow, error) {
	query := `
		SELECT id, name, is_active, created_at
		FROM flows
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.Flow
	for rows.Next() {
		var flow domain.Flow
		if err := rows.Scan(
			&flow.ID,
			&flow.Name,
			&flow.IsActive,
			&flow.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// Update обновляет flow.
func (r *FlowRepo) Update(ctx context.Context, flow *domain.Flow) error {
	query := `
		UPDATE flows
		SET name = $2, is_active = $3
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, flow.ID, flow.Name, flow.IsActive)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет flow вместе с версиями.
func (r *FlowRepo) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM flows WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- FlowVersion CRUD ---

// versionColumns — колонки flow_versions в порядке scanVersion.
const versionColumns = `flow_id, version, doc, created_at`

// CreateVersion создаёт новую версию flow.
// Версия автоматически инкрементируется.
func (r *FlowRepo) CreateVersion(ctx context.Context, flowID uuid.UUID, doc domain.FlowDoc) (*domain.FlowVersion, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal doc: %w", err)
	}

	// Номер версии и вставка в одной транзакции
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var nextVersion int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM flow_versions
		WHERE flow_id = $1
	`, flowID).Scan(&nextVersion)
	if err != nil {
		return nil, fmt.Errorf("get next version: %w", err)
	}

	version, err := scanVersion(tx.QueryRow(ctx, `
		INSERT INTO flow_versions (flow_id, version, doc, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING `+versionColumns, flowID, nextVersion, docJSON))
	if err != nil {
		return nil, fmt.Errorf("insert flow version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

// Save сохраняет документ как новую версию flow с именем doc.Name.
// Flow создаётся, если его ещё нет.
func (r *FlowRepo) Save(ctx context.Context, doc *domain.FlowDoc) (*domain.FlowVersion, error) {
	if doc.Name == "" {
		return nil, fmt.Errorf("%w: flow document has no name", ErrInvalidState)
	}

	flow, err := r.GetByName(ctx, doc.Name)
	if errors.Is(err, ErrNotFound) {
		flow = &domain.Flow{
			ID:        uuid.New(),
			Name:      doc.Name,
			IsActive:  true,
			CreatedAt: time.Now(),
		}
		if err := r.Create(ctx, flow); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return r.CreateVersion(ctx, flow.ID, *doc)
}

// GetVersion возвращает конкретную версию flow.
func (r *FlowRepo) GetVersion(ctx context.Context, flowID uuid.UUID, version int) (*domain.FlowVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM flow_versions
		WHERE flow_id = $1 AND version = $2
	`
	return scanVersion(r.pool.QueryRow(ctx, query, flowID, version))
}

// GetLatestVersion возвращает последнюю версию flow.
func (r *FlowRepo) GetLatestVersion(ctx context.Context, flowID uuid.UUID) (*domain.FlowVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM flow_versions
		WHERE flow_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	return scanVersion(r.pool.QueryRow(ctx, query, flowID))
}

// GetLatestByName возвращает последнюю версию flow по имени.
func (r *FlowRepo) GetLatestByName(ctx context.Context, name string) (*domain.FlowVersion, error) {
	query := `SELECT v.flow_id, v.version, v.doc, v.created_at
		FROM flow_versions v
		JOIN flows f ON f.id = v.flow_id
		WHERE f.name = $1
		ORDER BY v.version DESC
		LIMIT 1
	`
	return scanVersion(r.pool.QueryRow(ctx, query, name))
}

// GetVersionByName возвращает версию flow по имени. version <= 0 — последняя.
func (r *FlowRepo) GetVersionByName(ctx context.Context, name string, version int) (*domain.FlowVersion, error) {
	if version <= 0 {
		return r.GetLatestByName(ctx, name)
	}
	query := `SELECT v.flow_id, v.version, v.doc, v.created_at
		FROM flow_versions v
		JOIN flows f ON f.id = v.flow_id
		WHERE f.name = $1 AND v.version = $2
	`
	return scanVersion(r.pool.QueryRow(ctx, query, name, version))
}

// ListVersions возвращает все версии flow.
func (r *FlowRepo) ListVersions(ctx context.Context, flowID uuid.UUID) ([]domain.FlowVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM flow_versions
		WHERE flow_id = $1
		ORDER BY version DESC
	`
	rows, err := r.pool.Query(ctx, query, flowID)
	if err != nil {
		return nil, fmt.Errorf("list flow versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.FlowVersion
	for rows.Next() {
		fv, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *fv)
	}
	return versions, rows.Err()
}

// ListScheduled возвращает последние версии активных flows, у которых задано расписание.
func (r *FlowRepo) ListScheduled(ctx context.Context) ([]domain.FlowVersion, error) {
	query := `
		SELECT DISTINCT ON (v.flow_id) v.flow_id, v.version, v.doc, v.created_at
		FROM flow_versions v
		JOIN flows f ON f.id = v.flow_id
		WHERE f.is_active
		ORDER BY v.flow_id, v.version DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list scheduled flows: %w", err)
	}
	defer rows.Close()

	var versions []domain.FlowVersion
	for rows.Next() {
		fv, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		if fv.Doc.Schedule != "" {
			versions = append(versions, *fv)
		}
	}
	return versions, rows.Err()
}

// scanVersion сканирует строку flow_versions. Документ хранится как JSONB.
func scanVersion(row pgx.Row) (*domain.FlowVersion, error) {
	var fv domain.FlowVersion
	var docJSON []byte

	err := row.Scan(
		&fv.FlowID,
		&fv.Version,
		&docJSON,
		&fv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow version: %w", err)
	}

	if err := json.Unmarshal(docJSON, &fv.Doc); err != nil {
		return nil, fmt.Errorf("unmarshal doc: %w", err)
	}
	return &fv, nil
}
