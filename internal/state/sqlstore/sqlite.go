package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteDialect SQLite 方言（开发与测试）
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) DriverType() DriverType { return DriverSQLite }

func (d *SQLiteDialect) Rebind(query string) string { return rebindToQuestion(query) }

func (d *SQLiteDialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return upsertConflict(conflictColumn, updateExprs)
}

func (d *SQLiteDialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(sqliteSchema)
	return err
}

// OpenSQLite 创建 SQLite 连接
// dsn 示例: "file:opsdash.db?cache=shared&mode=rwc" 或 ":memory:"
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// 内存库每个连接各自独立，只能使用单连接
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return db, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entity_state (
    id VARCHAR(128) PRIMARY KEY,
    kind VARCHAR(16) NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    status VARCHAR(64) NOT NULL DEFAULT '',
    progress REAL NOT NULL DEFAULT 0,
    stage TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    results INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entity_state_kind ON entity_state(kind);

CREATE TABLE IF NOT EXISTS entity_status_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
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
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id VARCHAR(128) NOT NULL,
    data TEXT NOT NULL,
    complete INTEGER NOT NULL DEFAULT 0,
    at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_entity ON entity_results(entity_id, id);

CREATE TABLE IF NOT EXISTS entity_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id VARCHAR(128) NOT NULL,
    level VARCHAR(16) NOT NULL,
    message TEXT NOT NULL,
    timestamp TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_entity ON entity_logs(entity_id, id);

CREATE TABLE IF NOT EXISTS metric_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name VARCHAR(128) NOT NULL,
    value REAL NOT NULL,
    unit VARCHAR(32) NOT NULL DEFAULT '',
    trend VARCHAR(16) NOT NULL DEFAULT '',
    at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_samples_name ON metric_samples(name, id);
`
