package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema — схема Postgres. Идемпотентна.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS flows (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS flow_versions (
	flow_id     UUID NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
	version     INTEGER NOT NULL,
	doc         JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (flow_id, version)
);

CREATE TABLE IF NOT EXISTS runs (
	id          UUID PRIMARY KEY,
	flow_name   TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	inputs      JSONB,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status, created_at);

CREATE TABLE IF NOT EXISTS node_results (
	run_id      UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	node        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	outputs     JSONB,
	error_kind  TEXT,
	error       TEXT,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	PRIMARY KEY (run_id, node)
);
`

// EnsureSchema создаёт таблицы, если их нет.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
