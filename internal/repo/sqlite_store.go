package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // драйвер "sqlite"

	"github.com/shaiso/genflow/internal/domain"
)

// sqliteSchema — схема локального хранилища.
// Время хранится в RFC3339Nano, JSON — текстом.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	flow_name   TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	inputs      TEXT,
	started_at  TEXT,
	finished_at TEXT,
	error       TEXT,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS node_results (
	run_id      TEXT NOT NULL,
	node        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	outputs     TEXT,
	error_kind  TEXT,
	error       TEXT,
	started_at  TEXT,
	finished_at TEXT,
	PRIMARY KEY (run_id, node)
);
`

// SQLiteStore — хранилище runs в SQLite для локальных запусков из CLI.
//
// Реализует orchestrator.Recorder.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite открывает (или создаёт) базу по пути path и готовит схему.
// ":memory:" — база в памяти.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Одно соединение: база в памяти живёт в нём, запись в SQLite всё равно последовательна
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore создаёт хранилище поверх открытого *sql.DB.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close закрывает базу.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun создаёт или обновляет run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.Run) error {
	inputs, err := encodeJSON(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, flow_name, version, status, inputs, started_at, finished_at, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET status = excluded.status,
		    started_at = excluded.started_at,
		    finished_at = excluded.finished_at,
		    error = excluded.error`,
		run.ID.String(),
		run.FlowName,
		run.Version,
		string(run.Status),
		inputs,
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		nullString(run.Error),
		run.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// SaveNodeResult создаёт или обновляет результат узла.
func (s *SQLiteStore) SaveNodeResult(ctx context.Context, runID uuid.UUID, result *domain.NodeResult) error {
	outputs, err := encodeJSON(result.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_results (run_id, node, kind, status, attempts, outputs, error_kind, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, node) DO UPDATE
		SET status = excluded.status,
		    attempts = excluded.attempts,
		    outputs = excluded.outputs,
		    error_kind = excluded.error_kind,
		    error = excluded.error,
		    started_at = excluded.started_at,
		    finished_at = excluded.finished_at`,
		runID.String(),
		result.Node,
		result.Kind,
		string(result.Status),
		result.Attempts,
		outputs,
		nullString(result.ErrorKind),
		nullString(result.Error),
		formatTime(result.StartedAt),
		formatTime(result.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save node result: %w", err)
	}
	return nil
}

// GetRun возвращает run по ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_name, version, status, inputs, started_at, finished_at, error, created_at
		FROM runs WHERE id = ?`, id.String())

	var (
		run                           domain.Run
		rawID, status, createdAt      string
		inputs, startedAt, finishedAt sql.NullString
		runErr                        sql.NullString
	)
	err := row.Scan(&rawID, &run.FlowName, &run.Version, &status, &inputs, &startedAt, &finishedAt, &runErr, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.Error = runErr.String
	if err := unmarshalOutputs([]byte(inputs.String), &run.Inputs); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListNodeResults возвращает результаты узлов run.
func (s *SQLiteStore) ListNodeResults(ctx context.Context, runID uuid.UUID) ([]domain.NodeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node, kind, status, attempts, outputs, error_kind, error, started_at, finished_at
		FROM node_results
		WHERE run_id = ?
		ORDER BY started_at IS NULL, started_at, node`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list node results: %w", err)
	}
	defer rows.Close()

	var results []domain.NodeResult
	for rows.Next() {
		var (
			res                         domain.NodeResult
			status                      string
			outputs, errorKind, errText sql.NullString
			startedAt, finishedAt       sql.NullString
		)
		if err := rows.Scan(&res.Node, &res.Kind, &status, &res.Attempts, &outputs, &errorKind, &errText, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan node result: %w", err)
		}

		res.Status = domain.NodeStatus(status)
		res.ErrorKind = errorKind.String
		res.Error = errText.String
		if err := unmarshalOutputs([]byte(outputs.String), &res.Outputs); err != nil {
			return nil, err
		}
		if res.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if res.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// encodeJSON кодирует значение в JSON; nil map — NULL.
func encodeJSON(v map[string]any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s.String, err)
	}
	return &t, nil
}
