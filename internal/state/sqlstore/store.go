package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsdash/internal/state"
	"opsdash/pkg/logging"
)

// DefaultLogLimit 每个实体保留的日志条数
const DefaultLogLimit = 500

// ErrNotFound 实体不存在
var ErrNotFound = errors.New("entity not found")

// Store SQL 持久化后端，实现 state.Persister
type Store struct {
	db       *sql.DB
	dialect  Dialect
	logger   *logging.Logger
	logLimit int
}

var _ state.Persister = (*Store)(nil)

// Open 按驱动名与 DSN 打开数据库并建表
func Open(driver, dsn string, logLimit int, logger *logging.Logger) (*Store, error) {
	dt, err := ParseDriver(driver)
	if err != nil {
		return nil, err
	}
	db, err := OpenDB(dt, dsn)
	if err != nil {
		return nil, err
	}
	dialect, _ := NewDialect(dt)

	s, err := New(db, dialect, logLimit, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New 使用已打开的连接创建持久化后端
func New(db *sql.DB, dialect Dialect, logLimit int, logger *logging.Logger) (*Store, error) {
	if logLimit <= 0 {
		logLimit = DefaultLogLimit
	}
	if logger == nil {
		logger = logging.Default("sqlstore")
	}
	if err := dialect.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate %s: %w", dialect.DriverType(), err)
	}
	logger.Info("SQL state store ready", "driver", string(dialect.DriverType()))
	return &Store{db: db, dialect: dialect, logger: logger, logLimit: logLimit}, nil
}

// DB 返回底层连接
func (s *Store) DB() *sql.DB { return s.db }

// Close 关闭连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// ============================================================================
// 写入
// ============================================================================

// Persist 在一个事务中写入变更
func (s *Store) Persist(ctx context.Context, m state.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	if m.Entity != nil {
		if err := s.upsertEntity(ctx, tx, m.Entity); err != nil {
			return err
		}
	}

	switch m.Op {
	case state.OpStatus:
		if c := m.Status; c != nil {
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO entity_status_history (entity_id, kind, new_status, previous_status, reason, metadata, at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`),
				c.EntityID, string(c.Kind), c.NewStatus, c.PreviousStatus, c.Reason,
				state.MarshalMetadata(c.Metadata), formatTime(c.At))
		}
	case state.OpResult:
		if r := m.Result; r != nil {
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO entity_results (entity_id, data, complete, at) VALUES ($1, $2, $3, $4)`),
				r.EntityID, string(r.Data), r.Complete, formatTime(r.At))
		}
	case state.OpLog:
		if l := m.Log; l != nil {
			err = s.appendLog(ctx, tx, m.EntityID, l)
		}
	case state.OpMetrics:
		err = s.insertMetrics(ctx, tx, m.Metrics)
	}
	if err != nil {
		return fmt.Errorf("sqlstore: persist %s: %w", m.Op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func (s *Store) upsertEntity(ctx context.Context, tx *sql.Tx, e *state.Entity) error {
	query := `
		INSERT INTO entity_state (id, kind, name, status, progress, stage, message, metadata, results, completed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ` +
		s.dialect.UpsertConflict("id", []string{
			"kind = EXCLUDED.kind",
			"name = EXCLUDED.name",
			"status = EXCLUDED.status",
			"progress = EXCLUDED.progress",
			"stage = EXCLUDED.stage",
			"message = EXCLUDED.message",
			"metadata = EXCLUDED.metadata",
			"results = EXCLUDED.results",
			"completed = EXCLUDED.completed",
			"updated_at = EXCLUDED.updated_at",
		})
	_, err := tx.ExecContext(ctx, s.q(query),
		e.ID, string(e.Kind), e.Name, e.Status, e.Progress, e.Stage, e.Message,
		state.MarshalMetadata(e.Metadata), e.Results, e.Completed, formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlstore: upsert entity %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) appendLog(ctx context.Context, tx *sql.Tx, entityID string, l *state.LogEntry) error {
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO entity_logs (entity_id, level, message, timestamp) VALUES ($1, $2, $3, $4)`),
		entityID, l.Level, l.Message, l.Timestamp); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM entity_logs
		WHERE entity_id = $1 AND id NOT IN (
			SELECT id FROM entity_logs WHERE entity_id = $2 ORDER BY id DESC LIMIT $3
		)`), entityID, entityID, s.logLimit)
	return err
}

func (s *Store) insertMetrics(ctx context.Context, tx *sql.Tx, metrics []state.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO metric_samples (name, value, unit, trend, at) VALUES ($1, $2, $3, $4, $5)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.Name, m.Value, m.Unit, m.Trend, formatTime(m.At)); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// 读取
// ============================================================================

const entityColumns = `id, kind, name, status, progress, stage, message, metadata, results, completed, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (state.Entity, error) {
	var (
		e         state.Entity
		kind      string
		metadata  string
		updatedAt string
	)
	if err := row.Scan(&e.ID, &kind, &e.Name, &e.Status, &e.Progress, &e.Stage, &e.Message,
		&metadata, &e.Results, &e.Completed, &updatedAt); err != nil {
		return state.Entity{}, err
	}
	e.Kind = state.EntityKind(kind)
	e.UpdatedAt = parseTime(updatedAt)
	if metadata != "" && metadata != "{}" {
		_ = json.Unmarshal([]byte(metadata), &e.Metadata)
	}
	return e, nil
}

// Entity 读取实体
func (s *Store) Entity(ctx context.Context, id string) (state.Entity, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+entityColumns+` FROM entity_state WHERE id = $1`), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Entity{}, ErrNotFound
	}
	return e, err
}

// Entities 按类别读取实体（ID 升序）
func (s *Store) Entities(ctx context.Context, kind state.EntityKind) ([]state.Entity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+entityColumns+` FROM entity_state WHERE kind = $1 ORDER BY id`), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StatusHistory 读取状态变更审计（旧→新）
func (s *Store) StatusHistory(ctx context.Context, id string) ([]state.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT entity_id, kind, new_status, previous_status, reason, metadata, at
		FROM entity_status_history WHERE entity_id = $1 ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.StatusChange
	for rows.Next() {
		var (
			c            state.StatusChange
			kind, md, at string
		)
		if err := rows.Scan(&c.EntityID, &kind, &c.NewStatus, &c.PreviousStatus, &c.Reason, &md, &at); err != nil {
			return nil, err
		}
		c.Kind = state.EntityKind(kind)
		c.At = parseTime(at)
		if md != "" && md != "{}" {
			_ = json.Unmarshal([]byte(md), &c.Metadata)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Logs 读取实体日志（旧→新）
func (s *Store) Logs(ctx context.Context, id string) ([]state.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT level, message, timestamp FROM entity_logs WHERE entity_id = $1 ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.LogEntry
	for rows.Next() {
		var l state.LogEntry
		if err := rows.Scan(&l.Level, &l.Message, &l.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Results 读取实体结果（旧→新）
func (s *Store) Results(ctx context.Context, id string) ([]state.Result, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT entity_id, data, complete, at FROM entity_results WHERE entity_id = $1 ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Result
	for rows.Next() {
		var (
			r        state.Result
			data, at string
		)
		if err := rows.Scan(&r.EntityID, &data, &r.Complete, &at); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestMetrics 每个指标名的最新样本（按名称升序）
func (s *Store) LatestMetrics(ctx context.Context) ([]state.Metric, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT m.name, m.value, m.unit, m.trend, m.at
		FROM metric_samples m
		JOIN (SELECT name, MAX(id) AS id FROM metric_samples GROUP BY name) latest ON latest.id = m.id
		ORDER BY m.name`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Metric
	for rows.Next() {
		var (
			m  state.Metric
			at string
		)
		if err := rows.Scan(&m.Name, &m.Value, &m.Unit, &m.Trend, &at); err != nil {
			return nil, err
		}
		m.At = parseTime(at)
		out = append(out, m)
	}
	return out, rows.Err()
}
