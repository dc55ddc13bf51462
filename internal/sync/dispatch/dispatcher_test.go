// Package dispatch 事件分发单元测试
//
// # 测试分组
//
// ## 单事件处理
//   - TestProcess_ProgressClamped: 进度限制在 [0,100]
//   - TestProcess_CountsEveryValidEvent: 每个事件使 totalProcessed 恰好加 1
//   - TestProcess_StatusChangeRouting: 按 entityKind 路由并记录 previousStatus
//   - TestProcess_ResultCompletion: isComplete 触发完成通知
//   - TestProcess_ErrorSeverityMapping: 严重级别到通知级别的映射
//   - TestProcess_MetricBatch: 过滤格式错误的指标；全部无效时记为处理错误
//   - TestProcess_LogTimestampDefault: 日志时间戳缺省取信封时间戳
//   - TestProcess_HandlerFailureNotification: 失败通知级别按类型降级
//   - TestProcess_PanicRecovered: 处理器 panic 转为处理错误
//
// ## 批处理
//   - TestProcessBatch_PerEntityOrder: 同一实体最后一次进度生效
//   - TestProcessBatch_FailureDoesNotAbort: 单个失败不影响其他事件
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdash/internal/state"
	"opsdash/internal/sync/event"
	"opsdash/internal/sync/notify"
	"opsdash/internal/sync/stats"
	"opsdash/pkg/logging"
)

type fixture struct {
	d     *Dispatcher
	store *state.Memory
	stats *stats.Aggregator
	notes *notify.Recorder
}

func newFixture() *fixture {
	f := &fixture{
		store: state.NewMemory(state.MemoryConfig{}, nil),
		stats: stats.NewAggregator(stats.Config{}, nil, nil),
		notes: notify.NewRecorder(),
	}
	f.d = New(Options{Store: f.store, Stats: f.stats, Notifier: f.notes, Logger: logging.Discard()})
	return f
}

func mustEvent(t *testing.T, kind event.Kind, data string) event.Event {
	t.Helper()
	raw := fmt.Sprintf(`{"kind":%q,"timestamp":"2025-03-01T10:00:00Z","sessionId":"s-1","data":%s}`, kind, data)
	ev, err := event.Validate([]byte(raw))
	require.NoError(t, err)
	return ev
}

func TestProcess_ProgressClamped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	assert.True(t, f.d.Process(ctx, mustEvent(t, event.KindProgressUpdate, `{"entityId":"wf-1","progress":150}`)))
	e, _ := f.store.Entity("wf-1")
	assert.Equal(t, 100.0, e.Progress)

	assert.True(t, f.d.Process(ctx, mustEvent(t, event.KindProgressUpdate, `{"entityId":"wf-1","progress":-20}`)))
	e, _ = f.store.Entity("wf-1")
	assert.Equal(t, 0.0, e.Progress)

	assert.Equal(t, 37.5, ClampProgress(37.5))
}

func TestProcess_CountsEveryValidEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	events := []event.Event{
		mustEvent(t, event.KindProgressUpdate, `{"entityId":"wf-1","progress":10}`),
		mustEvent(t, event.KindProgressUpdate, `{"progress":10}`),
		mustEvent(t, event.KindLogAppended, `{"entityId":"wf-1","logEntry":{"level":"info","message":"x"}}`),
		mustEvent(t, event.KindMetricBatch, `{"metrics":[]}`),
	}

	var prevErrors uint64
	for i, ev := range events {
		f.d.Process(ctx, ev)
		snap := f.stats.Snapshot()
		assert.Equal(t, uint64(i+1), snap.TotalProcessed)
		assert.GreaterOrEqual(t, snap.TotalErrors, prevErrors)
		prevErrors = snap.TotalErrors
	}
	assert.Equal(t, uint64(2), prevErrors)
}

func TestProcess_StatusChangeRouting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ok := f.d.Process(ctx, mustEvent(t, event.KindStatusChange,
		`{"entityId":"ag-1","entityKind":"agent","newStatus":"busy","previousStatus":"offline","reason":"assigned"}`))
	require.True(t, ok)

	e, _ := f.store.Entity("ag-1")
	assert.Equal(t, state.KindAgent, e.Kind)
	assert.Equal(t, "busy", e.Status)
	h := f.store.StatusHistory("ag-1")
	require.Len(t, h, 1)
	assert.Equal(t, "offline", h[0].PreviousStatus, "recorded as given by the event")

	assert.False(t, f.d.Process(ctx, mustEvent(t, event.KindStatusChange, `{"entityId":"x","entityKind":"robot","newStatus":"busy"}`)))
	assert.False(t, f.d.Process(ctx, mustEvent(t, event.KindStatusChange, `{"entityId":"x","entityKind":"workflow"}`)))

	require.True(t, f.d.Process(ctx, mustEvent(t, event.KindStatusChange, `{"entityId":"wf-9","entityKind":"workflow","newStatus":"failed","reason":"oom"}`)))
	failed := f.notes.ByLevel(notify.LevelError)
	require.NotEmpty(t, failed)
	assert.Equal(t, "oom", failed[len(failed)-1].Message)
}

func TestProcess_ResultCompletion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.True(t, f.d.Process(ctx, mustEvent(t, event.KindResultAdded, `{"entityId":"wf-1","result":{"rows":3}}`)))
	assert.Equal(t, 0, f.notes.Len())

	require.True(t, f.d.Process(ctx, mustEvent(t, event.KindResultAdded, `{"entityId":"wf-1","result":[1,2],"isComplete":true}`)))
	success := f.notes.ByLevel(notify.LevelSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, "wf-1", success[0].EntityID)

	e, _ := f.store.Entity("wf-1")
	assert.Equal(t, 2, e.Results)
	assert.True(t, e.Completed)

	assert.False(t, f.d.Process(ctx, mustEvent(t, event.KindResultAdded, `{"entityId":"wf-1","result":"text"}`)))
	assert.False(t, f.d.Process(ctx, mustEvent(t, event.KindResultAdded, `{"entityId":"wf-1"}`)))
}

func TestProcess_ErrorSeverityMapping(t *testing.T) {
	tests := []struct {
		severity   string
		recover    string
		level      notify.Level
		persistent bool
	}{
		{"critical", "false", notify.LevelError, true},
		{"critical", "true", notify.LevelError, false},
		{"high", "false", notify.LevelError, false},
		{"medium", "true", notify.LevelWarning, false},
		{"low", "true", notify.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.severity+"/"+tt.recover, func(t *testing.T) {
			f := newFixture()
			data := fmt.Sprintf(`{"entityId":"wf-1","message":"disk full","severity":%q,"isRecoverable":%s}`, tt.severity, tt.recover)
			require.True(t, f.d.Process(context.Background(), mustEvent(t, event.KindErrorRaised, data)))

			all := f.notes.All()
			require.Len(t, all, 1)
			assert.Equal(t, tt.level, all[0].Level)
			assert.Equal(t, tt.persistent, all[0].Persistent)

			logs := f.store.Logs("wf-1")
			require.Len(t, logs, 1)
			assert.Equal(t, "error", logs[0].Level)
		})
	}

	f := newFixture()
	assert.False(t, f.d.Process(context.Background(), mustEvent(t, event.KindErrorRaised, `{"message":"x","severity":"extreme"}`)))
}

func TestProcess_MetricBatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ok := f.d.Process(ctx, mustEvent(t, event.KindMetricBatch, `{"metrics":[
		{"name":"cpu","value":0.5,"unit":"%","trend":"up"},
		{"name":"mem","value":"high"},
		{"value":3},
		7,
		{"name":"disk","value":null},
		{"name":"net","value":12}
	]}`))
	require.True(t, ok)

	metrics := f.store.Metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, "cpu", metrics[0].Name)
	assert.Equal(t, "net", metrics[1].Name)

	assert.False(t, f.d.Process(ctx, mustEvent(t, event.KindMetricBatch, `{"metrics":[]}`)))
	assert.False(t, f.d.Process(ctx, mustEvent(t, event.KindMetricBatch, `{"metrics":[{"name":"x","value":"y"}]}`)))

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalErrors)
	recent := f.stats.RecentErrors()
	require.Len(t, recent, 2)
	assert.Contains(t, recent[0].Message, ErrNoValidMetrics.Error())
}

func TestProcess_LogTimestampDefault(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.True(t, f.d.Process(ctx, mustEvent(t, event.KindLogAppended, `{"entityId":"wf-1","logEntry":{"message":"started"}}`)))
	require.True(t, f.d.Process(ctx, mustEvent(t, event.KindLogAppended, `{"entityId":"wf-1","logEntry":{"level":"warn","message":"slow","timestamp":"2025-03-01T09:59:00Z"}}`)))

	logs := f.store.Logs("wf-1")
	require.Len(t, logs, 2)
	assert.Equal(t, "2025-03-01T10:00:00Z", logs[0].Timestamp)
	assert.Equal(t, "info", logs[0].Level)
	assert.Equal(t, "2025-03-01T09:59:00Z", logs[1].Timestamp)
}

func TestProcess_HandlerFailureNotification(t *testing.T) {
	tests := []struct {
		kind  event.Kind
		data  string
		level notify.Level
	}{
		{event.KindMetricBatch, `{"metrics":[]}`, notify.LevelWarning},
		{event.KindLogAppended, `{"entityId":"wf-1"}`, notify.LevelWarning},
		{event.KindProgressUpdate, `{"progress":5}`, notify.LevelError},
		{event.KindStatusChange, `{"newStatus":"x"}`, notify.LevelError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture()
			assert.False(t, f.d.Process(context.Background(), mustEvent(t, tt.kind, tt.data)))
			all := f.notes.All()
			require.Len(t, all, 1)
			assert.Equal(t, tt.level, all[0].Level)
			assert.Equal(t, string(tt.kind), all[0].Source)
		})
	}
}

type panicStore struct{ state.Store }

func (panicStore) ApplyProgress(string, float64, state.ProgressExtra) { panic("boom") }

func TestProcess_PanicRecovered(t *testing.T) {
	agg := stats.NewAggregator(stats.Config{}, nil, nil)
	d := New(Options{Store: panicStore{}, Stats: agg, Logger: logging.Discard()})

	ok := d.Process(context.Background(), mustEvent(t, event.KindProgressUpdate, `{"entityId":"wf-1","progress":5}`))
	assert.False(t, ok)

	recent := agg.RecentErrors()
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].Message, "boom")
}

func TestHandlerError(t *testing.T) {
	err := missing(event.KindProgressUpdate, "entityId")
	assert.True(t, errors.Is(err, ErrMissingField))

	var he *HandlerError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "entityId", he.Field)
	assert.Equal(t, "progress-update handler: entityId: required field missing", err.Error())

	err = invalid(event.KindStatusChange, "entityKind", "%q", "robot")
	assert.True(t, errors.Is(err, ErrInvalidField))
}

func TestProcessBatch_PerEntityOrder(t *testing.T) {
	f := newFixture()

	var batch []event.Event
	for i := 1; i <= 10; i++ {
		batch = append(batch, mustEvent(t, event.KindProgressUpdate, fmt.Sprintf(`{"entityId":"wf-1","progress":%d}`, i*10)))
		batch = append(batch, mustEvent(t, event.KindProgressUpdate, fmt.Sprintf(`{"entityId":"wf-2","progress":%d}`, 100-i)))
	}

	res := f.d.ProcessBatch(context.Background(), batch)
	assert.Equal(t, BatchResult{Processed: 20}, res)

	e1, _ := f.store.Entity("wf-1")
	e2, _ := f.store.Entity("wf-2")
	assert.Equal(t, 100.0, e1.Progress)
	assert.Equal(t, 90.0, e2.Progress)
}

func TestProcessBatch_FailureDoesNotAbort(t *testing.T) {
	f := newFixture()
	f.d.limit = 2

	batch := []event.Event{
		mustEvent(t, event.KindProgressUpdate, `{"entityId":"wf-1","progress":10}`),
		mustEvent(t, event.KindMetricBatch, `{"metrics":[]}`),
		mustEvent(t, event.KindProgressUpdate, `{"progress":10}`),
		mustEvent(t, event.KindResultAdded, `{"entityId":"wf-3","result":{"ok":true}}`),
	}

	res := f.d.ProcessBatch(context.Background(), batch)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, uint64(4), f.stats.Snapshot().TotalProcessed)
}

func TestPartition(t *testing.T) {
	batch := []event.Event{
		{Kind: event.KindProgressUpdate, Data: event.ProgressUpdate{EntityID: "a"}},
		{Kind: event.KindMetricBatch, Data: event.MetricBatch{Metrics: []json.RawMessage{}}},
		{Kind: event.KindProgressUpdate, Data: event.ProgressUpdate{EntityID: "b"}},
		{Kind: event.KindLogAppended, Data: event.LogAppended{EntityID: "a"}},
	}
	parts := partition(batch)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 2)
	assert.Equal(t, event.KindLogAppended, parts[0][1].Kind)
}
