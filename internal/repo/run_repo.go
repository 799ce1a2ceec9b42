package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/genflow/internal/domain"
)

// RunRepo — репозиторий для работы с runs и результатами узлов.
//
// Реализует orchestrator.Recorder.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// runColumns — колонки runs в порядке scanRun.
const runColumns = `id, flow_name, version, status, inputs, started_at, finished_at, error, created_at`

// Create создаёт новый run.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	query := `
		INSERT INTO runs (id, flow_name, version, status, inputs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.FlowName,
		run.Version,
		run.Status,
		inputsJSON,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SaveRun создаёт или обновляет run.
func (r *RunRepo) SaveRun(ctx context.Context, run *domain.Run) error {
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at,
		    error = EXCLUDED.error
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.FlowName,
		run.Version,
		run.Status,
		inputsJSON,
		run.StartedAt,
		run.FinishedAt,
		nullString(run.Error),
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// SaveNodeResult создаёт или обновляет результат узла.
func (r *RunRepo) SaveNodeResult(ctx context.Context, runID uuid.UUID, result *domain.NodeResult) error {
	outputsJSON, err := json.Marshal(result.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	query := `
		INSERT INTO node_results (run_id, node, kind, status, attempts, outputs, error_kind, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, node) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    outputs = EXCLUDED.outputs,
		    error_kind = EXCLUDED.error_kind,
		    error = EXCLUDED.error,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at
	`
	_, err = r.pool.Exec(ctx, query,
		runID,
		result.Node,
		result.Kind,
		result.Status,
		result.Attempts,
		outputsJSON,
		nullString(result.ErrorKind),
		nullString(result.Error),
		result.StartedAt,
		result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save node result: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// List возвращает список runs с фильтрацией.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::text IS NULL OR flow_name = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(filter.FlowName),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListNodeResults возвращает результаты узлов run.
func (r *RunRepo) ListNodeResults(ctx context.Context, runID uuid.UUID) ([]domain.NodeResult, error) {
	query := `
		SELECT node, kind, status, attempts, outputs, error_kind, error, started_at, finished_at
		FROM node_results
		WHERE run_id = $1
		ORDER BY started_at NULLS LAST, node
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list node results: %w", err)
	}
	defer rows.Close()

	var results []domain.NodeResult
	for rows.Next() {
		var res domain.NodeResult
		var outputsJSON []byte
		var errorKind, errText *string

		if err := rows.Scan(
			&res.Node,
			&res.Kind,
			&res.Status,
			&res.Attempts,
			&outputsJSON,
			&errorKind,
			&errText,
			&res.StartedAt,
			&res.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan node result: %w", err)
		}

		if err := unmarshalOutputs(outputsJSON, &res.Outputs); err != nil {
			return nil, err
		}
		res.ErrorKind = derefString(errorKind)
		res.Error = derefString(errText)
		results = append(results, res)
	}
	return results, rows.Err()
}

// --- Helpers ---

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	FlowName string
	Status   domain.RunStatus
	Limit    int
	Offset   int
}

// scanRun сканирует одну строку в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var inputsJSON []byte
	var runError *string

	err := row.Scan(
		&run.ID,
		&run.FlowName,
		&run.Version,
		&run.Status,
		&inputsJSON,
		&run.StartedAt,
		&run.FinishedAt,
		&runError,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := unmarshalOutputs(inputsJSON, &run.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	run.Error = derefString(runError)

	return &run, nil
}

// unmarshalOutputs декодирует JSON-объект; NULL и "null" дают nil.
func unmarshalOutputs(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString возвращает "" для NULL.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
