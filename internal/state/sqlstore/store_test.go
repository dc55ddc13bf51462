// Package sqlstore SQL 持久化测试（SQLite 内存库）
//
// # 测试分组
//   - TestParseDriver / TestDialect_Rebind: 驱动名与占位符
//   - TestStore_EntityUpsert: 同一实体多次写入只保留最新状态
//   - TestStore_History: 状态审计、结果、日志裁剪
//   - TestStore_Metrics: 指标样本与按名称取最新值
//   - TestStore_ThroughMemory: Memory + AsyncPersister 写入后可完整读回
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdash/internal/state"
	"opsdash/pkg/logging"
)

func newTestStore(t *testing.T, logLimit int) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:", logLimit, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseDriver(t *testing.T) {
	for name, want := range map[string]DriverType{
		"postgres": DriverPostgres, "pgx": DriverPostgres, "PostgreSQL": DriverPostgres,
		"sqlite": DriverSQLite, "sqlite3": DriverSQLite,
	} {
		got, err := ParseDriver(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseDriver("mysql")
	assert.Error(t, err)
}

func TestDialect_Rebind(t *testing.T) {
	q := `SELECT * FROM entity_logs WHERE entity_id = $1 LIMIT $2`
	assert.Equal(t, q, (&PostgresDialect{}).Rebind(q))
	assert.Equal(t, `SELECT * FROM entity_logs WHERE entity_id = ? LIMIT ?`, (&SQLiteDialect{}).Rebind(q))
	assert.Equal(t, "ON CONFLICT (id) DO UPDATE SET a = EXCLUDED.a, b = EXCLUDED.b",
		(&SQLiteDialect{}).UpsertConflict("id", []string{"a = EXCLUDED.a", "b = EXCLUDED.b"}))
}

func TestStore_EntityUpsert(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)

	e := &state.Entity{ID: "wf-1", Kind: state.KindWorkflow, Name: "Nightly", Status: "running", Progress: 10, UpdatedAt: at}
	require.NoError(t, s.Persist(ctx, state.Mutation{Op: state.OpSeed, EntityID: "wf-1", Entity: e}))

	e2 := *e
	e2.Progress = 75
	e2.Stage = "transform"
	e2.Metadata = map[string]any{"node": "n1"}
	e2.Completed = true
	require.NoError(t, s.Persist(ctx, state.Mutation{Op: state.OpProgress, EntityID: "wf-1", Entity: &e2}))

	got, err := s.Entity(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 75.0, got.Progress)
	assert.Equal(t, "transform", got.Stage)
	assert.Equal(t, "n1", got.Metadata["node"])
	assert.True(t, got.Completed)
	assert.True(t, at.Equal(got.UpdatedAt))

	list, err := s.Entities(ctx, state.KindWorkflow)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.Entity(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_History(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, state.Mutation{
		Op: state.OpStatus, EntityID: "ag-1",
		Status: &state.StatusChange{EntityID: "ag-1", Kind: state.KindAgent, NewStatus: "busy", PreviousStatus: "idle"},
	}))
	require.NoError(t, s.Persist(ctx, state.Mutation{
		Op: state.OpResult, EntityID: "ag-1",
		Result: &state.Result{EntityID: "ag-1", Data: json.RawMessage(`[1,2]`), Complete: true},
	}))
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Persist(ctx, state.Mutation{
			Op: state.OpLog, EntityID: "ag-1",
			Log: &state.LogEntry{Level: "info", Message: fmt.Sprintf("line %d", i)},
		}))
	}

	history, err := s.StatusHistory(ctx, "ag-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "idle", history[0].PreviousStatus)
	assert.Equal(t, state.KindAgent, history[0].Kind)

	results, err := s.Results(ctx, "ag-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.JSONEq(t, `[1,2]`, string(results[0].Data))
	assert.True(t, results[0].Complete)

	logs, err := s.Logs(ctx, "ag-1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "line 3", logs[0].Message)
	assert.Equal(t, "line 5", logs[2].Message)
}

func TestStore_Metrics(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, state.Mutation{Op: state.OpMetrics, Metrics: []state.Metric{
		{Name: "cpu", Value: 0.5}, {Name: "mem", Value: 100, Unit: "MiB"},
	}}))
	require.NoError(t, s.Persist(ctx, state.Mutation{Op: state.OpMetrics, Metrics: []state.Metric{
		{Name: "cpu", Value: 0.9, Trend: "up"},
	}}))

	latest, err := s.LatestMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "cpu", latest[0].Name)
	assert.Equal(t, 0.9, latest[0].Value)
	assert.Equal(t, "up", latest[0].Trend)
	assert.Equal(t, "MiB", latest[1].Unit)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM metric_samples`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestStore_ThroughMemory(t *testing.T) {
	s := newTestStore(t, 0)
	async := state.NewAsyncPersister(s, 64, logging.Discard())
	mem := state.NewMemory(state.MemoryConfig{}, async)

	mem.ApplyStatusChange(state.StatusChange{EntityID: "wf-9", Kind: state.KindWorkflow, NewStatus: "completed"})
	mem.AppendResult("wf-9", json.RawMessage(`{"ok":true}`), true)

	// Close 先处理完队列再关闭数据库，因此在关闭前读取
	require.Eventually(t, func() bool { return async.Stats().Persisted == 2 }, 2*time.Second, 5*time.Millisecond)

	got, err := s.Entity(context.Background(), "wf-9")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 1, got.Results)
	assert.True(t, got.Completed)

	require.NoError(t, async.Close())
}
