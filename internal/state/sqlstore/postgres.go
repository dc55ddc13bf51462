package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresDialect PostgreSQL 方言
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) DriverType() DriverType { return DriverPostgres }

func (d *PostgresDialect) Rebind(query string) string { return query }

func (d *PostgresDialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return upsertConflict(conflictColumn, updateExprs)
}

func (d *PostgresDialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(postgresSchema)
	return err
}

// OpenPostgres 创建 PostgreSQL 连接
func OpenPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS entity_state (
    id VARCHAR(128) PRIMARY KEY,
    kind VARCHAR(16) NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    status VARCHAR(64) NOT NULL DEFAULT '',
    progress DOUBLE PRECISION NOT NULL DEFAULT 0,
    stage TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    results INTEGER NOT NULL DEFAULT 0,
    completed BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entity_state_kind ON entity_state(kind);

CREATE TABLE IF NOT EXISTS entity_status_history (
    id BIGSERIAL PRIMARY KEY,
    entity_id VARCHAR(128) NOT NULL,
    kind VARCHAR(16) NOT NULL DEFAULT '',
    new_status VARCHAR(64) NOT NULL,
    previous_status VARCHAR(64) NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_status_history_entity ON entity_status_history(entity_id, id);

CREATE TABLE IF NOT EXISTS entity_results (
    id BIGSERIAL PRIMARY KEY,
    entity_id VARCHAR(128) NOT NULL,
    data TEXT NOT NULL,
    complete BOOLEAN NOT NULL DEFAULT FALSE,
    at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_entity ON entity_results(entity_id, id);

CREATE TABLE IF NOT EXISTS entity_logs (
    id BIGSERIAL PRIMARY KEY,
    entity_id VARCHAR(128) NOT NULL,
    level VARCHAR(16) NOT NULL,
    message TEXT NOT NULL,
    timestamp TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_entity ON entity_logs(entity_id, id);

CREATE TABLE IF NOT EXISTS metric_samples (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    unit VARCHAR(32) NOT NULL DEFAULT '',
    trend VARCHAR(16) NOT NULL DEFAULT '',
    at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_samples_name ON metric_samples(name, id);
`
