// Package pipeline 同步会话测试
//
// # 测试分组
//   - TestPipeline_EndToEnd: 12 个进度事件分两批处理，最终进度为最后一个值
//   - TestPipeline_Rejections: 拒绝的消息进入缓冲区与拒绝计数，每条只告警一次
//   - TestPipeline_OnOpen: 快照只种子一次，每次连接先认证再重放订阅
//   - TestPipeline_SeedBeforeEvents: 快照拉取期间不处理入站事件，之后按增量应用
//   - TestPipeline_DisconnectDiscardsPending: 断开丢弃未刷新事件
//   - TestPipeline_FailureIsolation: 单个事件失败不影响同批其他事件
//   - TestPipeline_Replay: 按类型重放缓冲区
//   - TestPipeline_ArchiveBuffer: 归档缓冲区
//   - TestPipeline_Close: 幂等关闭
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdash/internal/archive"
	"opsdash/internal/clock"
	"opsdash/internal/snapshot"
	"opsdash/internal/state"
	"opsdash/internal/sync/connection"
	"opsdash/internal/sync/dispatch"
	"opsdash/internal/sync/event"
	"opsdash/internal/sync/notify"
	"opsdash/internal/sync/stats"
	"opsdash/pkg/logging"
)

var epoch = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	p         *Pipeline
	clk       *clock.MockClock
	transport *connection.MemoryTransport
	store     *state.Memory
	notes     *notify.Recorder
	exporter  *stats.Exporter
}

type fixtureOption func(*Deps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		clk:       clock.NewMock(epoch),
		transport: connection.NewMemoryTransport(),
		store:     state.NewMemory(state.MemoryConfig{}, nil),
		notes:     notify.NewRecorder(),
		exporter:  stats.NewExporter(prometheus.NewRegistry(), "test"),
	}
	deps := Deps{
		Transport: f.transport,
		Store:     f.store,
		Clock:     f.clk,
		Notifier:  f.notes,
		Exporter:  f.exporter,
		Logger:    logging.Discard(),
	}
	for _, o := range opts {
		o(&deps)
	}

	p, err := New(Config{SessionID: "sess-1", UserID: "user-1"}, deps)
	require.NoError(t, err)
	f.p = p
	t.Cleanup(p.Close)
	return f
}

func envelope(kind event.Kind, data string) []byte {
	return []byte(fmt.Sprintf(`{"kind":%q,"timestamp":"2026-02-01T09:00:00Z","sessionId":"sess-1","data":%s}`, kind, data))
}

func progress(id string, p int) []byte {
	return envelope(event.KindProgressUpdate, fmt.Sprintf(`{"entityId":%q,"progress":%d}`, id, p))
}

// warnRecorder 记录 Warn 及以上级别的日志
type warnRecorder struct {
	mu      *sync.Mutex
	records *[]slog.Record
}

func newWarnRecorder() warnRecorder {
	return warnRecorder{mu: &sync.Mutex{}, records: &[]slog.Record{}}
}

func (w warnRecorder) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (w warnRecorder) Handle(_ context.Context, r slog.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	*w.records = append(*w.records, r.Clone())
	return nil
}

func (w warnRecorder) WithAttrs([]slog.Attr) slog.Handler { return w }
func (w warnRecorder) WithGroup(string) slog.Handler      { return w }

func (w warnRecorder) Records() []slog.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]slog.Record(nil), *w.records...)
}

func recordAttr(r slog.Record, key string) string {
	var v string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			v = a.Value.String()
			return false
		}
		return true
	})
	return v
}

func (f *fixture) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.p.scheduler.Pending() == n },
		time.Second, 2*time.Millisecond, "pending never reached %d", n)
}

// ============================================================================
// 端到端
// ============================================================================

func TestPipeline_EndToEnd(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.Connect(context.Background()))
	conn := f.transport.Last()

	for i := 1; i <= 12; i++ {
		conn.Deliver(progress("wf-1", i*8))
	}

	// 前 10 个按数量刷新，剩余 2 个等待定时器
	f.waitPending(t, 2)
	e, ok := f.store.Entity("wf-1")
	require.True(t, ok)
	assert.Equal(t, 80.0, e.Progress)

	f.clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 0, f.p.scheduler.Pending())

	e, _ = f.store.Entity("wf-1")
	assert.Equal(t, 96.0, e.Progress, "last progress wins")

	snap := f.p.Stats()
	assert.EqualValues(t, 12, snap.TotalProcessed)
	assert.EqualValues(t, 0, snap.TotalErrors)
	assert.EqualValues(t, 12, snap.ByKind[event.KindProgressUpdate].Processed)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.exporter.BatchFlushes.WithLabelValues("size")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.exporter.BatchFlushes.WithLabelValues("timeout")))
	assert.Equal(t, 12.0, testutil.ToFloat64(f.exporter.BufferedEvents))
	assert.Len(t, f.p.Buffer(), 12)

	h := f.p.Health()
	assert.True(t, h.Healthy, "reasons: %v", h.Reasons)
}

func TestPipeline_Rejections(t *testing.T) {
	warns := newWarnRecorder()
	f := newFixture(t, func(d *Deps) { d.Logger = logging.NewWithHandler(warns, "sync") })
	require.NoError(t, f.p.Connect(context.Background()))
	conn := f.transport.Last()

	conn.Deliver([]byte(`not json`))
	conn.Deliver([]byte(`{"kind":"mystery","timestamp":"t","sessionId":"s","data":{}}`))
	conn.Deliver([]byte(`{"kind":"progress-update","sessionId":"s","data":{}}`))
	conn.Deliver(progress("wf-1", 5))

	f.waitPending(t, 1)
	f.clk.Advance(100 * time.Millisecond)

	snap := f.p.Stats()
	assert.EqualValues(t, 1, snap.TotalProcessed, "rejections are not processing results")
	assert.EqualValues(t, 0, snap.TotalErrors)
	assert.EqualValues(t, 1, snap.Rejected[event.ReasonParse])
	assert.EqualValues(t, 1, snap.Rejected[event.ReasonUnknownKind])
	assert.EqualValues(t, 1, snap.Rejected[event.ReasonMissingTimestamp])

	buf := f.p.Buffer()
	require.Len(t, buf, 4)
	assert.Equal(t, event.ReasonParse, buf[0].Rejected)
	assert.Equal(t, event.Kind("mystery"), buf[1].Kind)
	assert.Equal(t, event.KindProgressUpdate, buf[2].Kind)
	assert.True(t, buf[3].Valid())
	assert.Equal(t, epoch, buf[3].ReceivedAt)

	// 每条被拒绝的消息恰好一条告警，合法事件不告警
	records := warns.Records()
	require.Len(t, records, 3)
	var reasons []string
	for _, r := range records {
		assert.Equal(t, "Rejected inbound event", r.Message)
		reasons = append(reasons, recordAttr(r, "reason"))
	}
	assert.Equal(t, []string{
		string(event.ReasonParse),
		string(event.ReasonUnknownKind),
		string(event.ReasonMissingTimestamp),
	}, reasons)
}

// ============================================================================
// 连接建立
// ============================================================================

type countingSnapshot struct {
	calls atomic.Int32
	snap  *snapshot.Snapshot
}

func (c *countingSnapshot) Fetch(context.Context) (*snapshot.Snapshot, error) {
	c.calls.Add(1)
	return c.snap, nil
}

type staticTokens struct{}

func (staticTokens) Token(sessionID, userID string) (string, error) {
	return "tok-" + sessionID + "-" + userID, nil
}

func TestPipeline_OnOpen(t *testing.T) {
	snap := &countingSnapshot{snap: &snapshot.Snapshot{
		Workflows: []state.Entity{{ID: "wf-1", Name: "Nightly", Status: "running", Progress: 30}},
		Agents:    []state.Entity{{ID: "ag-1", Status: "idle"}},
	}}
	f := newFixture(t, func(d *Deps) {
		d.Snapshot = snap
		d.Tokens = staticTokens{}
	})

	_, err := f.p.Subscribe(context.Background(), event.KindProgressUpdate, map[string]any{"entityId": "wf-1"})
	require.NoError(t, err)
	_, err = f.p.Subscribe(context.Background(), event.KindStatusChange, nil)
	require.NoError(t, err)

	require.NoError(t, f.p.Connect(context.Background()))
	first := f.transport.Last()

	e, ok := f.store.Entity("wf-1")
	require.True(t, ok, "snapshot seeded before Connect returns")
	assert.Equal(t, 30.0, e.Progress)
	assert.Equal(t, state.KindWorkflow, e.Kind)

	assert.Equal(t, []string{"authenticate", "subscribe"}, first.SentActions())
	var auth authenticateMessage
	require.NoError(t, json.Unmarshal(first.Sent()[0], &auth))
	assert.Equal(t, "tok-sess-1-user-1", auth.Data.Token)

	var sub struct {
		Subscriptions []struct {
			Kind string `json:"kind"`
		} `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(first.Sent()[1], &sub))
	require.Len(t, sub.Subscriptions, 2, "all subscriptions in one message")

	// 重连后再次认证与重放，但不重新拉取快照
	first.CloseRemote(connection.CloseAbnormal, "reset")
	require.Eventually(t, func() bool { return f.p.Status().State == connection.StateReconnecting },
		time.Second, 2*time.Millisecond)
	f.clk.Advance(time.Second)

	second := f.transport.Last()
	require.NotSame(t, first, second)
	assert.Equal(t, []string{"authenticate", "subscribe"}, second.SentActions())
	assert.EqualValues(t, 1, snap.calls.Load())

	t.Run("unsubscribe while connected", func(t *testing.T) {
		assert.True(t, f.p.Unsubscribe(context.Background(), event.KindStatusChange, nil))
		assert.Equal(t, "unsubscribe", second.SentActions()[2])
		assert.Len(t, f.p.Subscriptions(), 1)
	})
}

// gatedSnapshot 拉取阻塞直到 release 关闭
type gatedSnapshot struct {
	entered chan struct{}
	release chan struct{}
	snap    *snapshot.Snapshot
}

func (g *gatedSnapshot) Fetch(ctx context.Context) (*snapshot.Snapshot, error) {
	close(g.entered)
	select {
	case <-g.release:
		return g.snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPipeline_SeedBeforeEvents(t *testing.T) {
	gate := &gatedSnapshot{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		snap: &snapshot.Snapshot{
			Workflows: []state.Entity{{ID: "wf-1", Status: "running", Progress: 30}},
		},
	}
	f := newFixture(t, func(d *Deps) { d.Snapshot = gate })

	connected := make(chan error, 1)
	go func() { connected <- f.p.Connect(context.Background()) }()

	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatal("snapshot fetch never started")
	}

	conn := f.transport.Last()
	require.NotNil(t, conn)
	for i := 0; i < 10; i++ {
		conn.Deliver(progress("wf-1", 90))
	}

	// 基线就位前入站事件保持未读
	assert.Never(t, func() bool {
		_, ok := f.store.Entity("wf-1")
		return ok || f.p.scheduler.Pending() > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(gate.release)
	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return")
	}

	require.Eventually(t, func() bool {
		e, ok := f.store.Entity("wf-1")
		return ok && e.Progress == 90
	}, time.Second, 2*time.Millisecond, "live events apply on top of the snapshot")

	e, _ := f.store.Entity("wf-1")
	assert.Equal(t, "running", e.Status, "snapshot fields survive the delta")
	require.Eventually(t, func() bool { return f.p.Stats().TotalProcessed == 10 },
		time.Second, 2*time.Millisecond)
}

func TestPipeline_DisconnectDiscardsPending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.Connect(context.Background()))
	conn := f.transport.Last()

	for i := 1; i <= 3; i++ {
		conn.Deliver(progress("wf-1", i))
	}
	f.waitPending(t, 3)

	f.p.Disconnect()
	assert.Equal(t, 0, f.p.scheduler.Pending())
	assert.Equal(t, connection.StateDisconnected, f.p.Status().State)

	f.clk.Advance(time.Second)
	_, ok := f.store.Entity("wf-1")
	assert.False(t, ok)
	assert.EqualValues(t, 0, f.p.Stats().TotalProcessed)
}

func TestPipeline_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.Connect(context.Background()))
	conn := f.transport.Last()

	conn.Deliver(envelope(event.KindStatusChange, `{"entityId":"wf-2","newStatus":"running"}`))
	conn.Deliver(progress("wf-1", 50))
	f.waitPending(t, 2)
	f.clk.Advance(100 * time.Millisecond)

	snap := f.p.Stats()
	assert.EqualValues(t, 2, snap.TotalProcessed)
	assert.EqualValues(t, 1, snap.TotalErrors)

	e, ok := f.store.Entity("wf-1")
	require.True(t, ok)
	assert.Equal(t, 50.0, e.Progress)

	errs := f.p.RecentErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, event.KindStatusChange, errs[0].Kind)
	assert.Len(t, f.notes.ByLevel(notify.LevelError), 1)
}

func TestPipeline_Replay(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.Connect(context.Background()))
	conn := f.transport.Last()

	conn.Deliver(progress("wf-1", 10))
	conn.Deliver(envelope(event.KindLogAppended, `{"entityId":"wf-1","logEntry":{"message":"started"}}`))
	conn.Deliver([]byte(`garbage`))
	f.waitPending(t, 2)
	f.clk.Advance(100 * time.Millisecond)

	res := f.p.Replay(context.Background(), event.KindLogAppended)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, f.store.Logs("wf-1"), 2)

	res = f.p.Replay(context.Background())
	assert.Equal(t, 2, res.Processed)
	assert.EqualValues(t, 5, f.p.Stats().TotalProcessed)

	f.p.ResetStats()
	assert.EqualValues(t, 0, f.p.Stats().TotalProcessed)

	f.p.ClearBuffer()
	assert.Empty(t, f.p.Buffer())
	assert.Equal(t, dispatch.BatchResult{}, f.p.Replay(context.Background()))
}

func TestPipeline_ArchiveBuffer(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.p.ArchiveBuffer(context.Background())
		assert.ErrorIs(t, err, ErrNoArchive)
	})

	t.Run("memory sink", func(t *testing.T) {
		sink := archive.NewMemory()
		f := newFixture(t, func(d *Deps) { d.Archive = sink })
		require.NoError(t, f.p.Connect(context.Background()))

		f.transport.Last().Deliver(progress("wf-1", 10))
		f.waitPending(t, 1)

		key, err := f.p.ArchiveBuffer(context.Background())
		require.NoError(t, err)
		assert.Contains(t, key, "event-buffer/sess-1/")

		dumps := sink.Dumps()
		require.Len(t, dumps, 1)
		assert.Len(t, dumps[0].Events, 1)
		assert.Equal(t, epoch, dumps[0].CreatedAt)
	})
}

func TestPipeline_Close(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.Connect(context.Background()))
	conn := f.transport.Last()

	f.p.Close()
	f.p.Close()

	closed, code := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, connection.CloseNormal, code)
	assert.ErrorIs(t, f.p.Connect(context.Background()), ErrClosed)

	select {
	case <-f.p.Done():
	default:
		t.Fatal("Done not closed")
	}
}
