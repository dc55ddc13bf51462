package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdash/pkg/logging"
)

// recordingPersister 记录所有变更（测试用）
type recordingPersister struct {
	mu      sync.Mutex
	items   []Mutation
	failOn  Op
	closed  bool
	blockCh chan struct{}
}

func (r *recordingPersister) Persist(_ context.Context, m Mutation) error {
	if r.blockCh != nil {
		<-r.blockCh
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Op == r.failOn {
		return errors.New("backend down")
	}
	r.items = append(r.items, m)
	return nil
}

func (r *recordingPersister) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingPersister) ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Op, len(r.items))
	for i, m := range r.items {
		out[i] = m.Op
	}
	return out
}

func TestMemory_ProgressAndStatus(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)

	m.ApplyProgress("wf-1", 40, ProgressExtra{Stage: "build"})
	m.ApplyProgress("wf-1", 90, ProgressExtra{Message: "almost"})
	m.ApplyStatusChange(StatusChange{EntityID: "wf-1", Kind: KindWorkflow, NewStatus: "running", PreviousStatus: "pending"})

	e, ok := m.Entity("wf-1")
	require.True(t, ok)
	assert.Equal(t, 90.0, e.Progress)
	assert.Equal(t, "build", e.Stage)
	assert.Equal(t, "almost", e.Message)
	assert.Equal(t, "running", e.Status)
	assert.Equal(t, KindWorkflow, e.Kind)

	h := m.StatusHistory("wf-1")
	require.Len(t, h, 1)
	assert.Equal(t, "pending", h[0].PreviousStatus)
	assert.False(t, h[0].At.IsZero())

	_, ok = m.Entity("missing")
	assert.False(t, ok)
}

func TestMemory_ResultsLogsMetrics(t *testing.T) {
	m := NewMemory(MemoryConfig{LogLimit: 3}, nil)

	m.AppendResult("wf-1", json.RawMessage(`{"a":1}`), false)
	m.AppendResult("wf-1", json.RawMessage(`{"a":2}`), true)
	for i := 0; i < 5; i++ {
		m.AppendLog("wf-1", LogEntry{Level: "info", Message: fmt.Sprint(i)})
	}
	m.RecordMetricBatch([]Metric{{Name: "cpu", Value: 0.5}, {Name: "mem", Value: 0.7}})
	m.RecordMetricBatch([]Metric{{Name: "cpu", Value: 0.9}})

	e, _ := m.Entity("wf-1")
	assert.Equal(t, 2, e.Results)
	assert.True(t, e.Completed)
	assert.Len(t, m.Results("wf-1"), 2)

	logs := m.Logs("wf-1")
	require.Len(t, logs, 3)
	assert.Equal(t, "2", logs[0].Message)

	metrics := m.Metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, "cpu", metrics[0].Name)
	assert.Equal(t, 0.9, metrics[0].Value)
	assert.Equal(t, uint64(3), m.MetricSamples())
}

func TestMemory_Seed(t *testing.T) {
	m := NewMemory(MemoryConfig{}, nil)
	m.ApplyProgress("wf-1", 10, ProgressExtra{})

	m.Seed([]Entity{
		{ID: "wf-1", Kind: KindWorkflow, Status: "running", Progress: 50},
		{ID: "ag-1", Kind: KindAgent, Status: "idle"},
	})

	e, _ := m.Entity("wf-1")
	assert.Equal(t, 50.0, e.Progress)
	assert.Len(t, m.Entities(""), 2)
	assert.Len(t, m.Entities(KindAgent), 1)
	assert.Equal(t, "ag-1", m.Entities(KindAgent)[0].ID)
}

func TestAsyncPersister_DeliversInOrder(t *testing.T) {
	backend := &recordingPersister{}
	p := NewAsyncPersister(backend, 16, logging.Discard())
	m := NewMemory(MemoryConfig{}, p)

	m.ApplyProgress("wf-1", 10, ProgressExtra{})
	m.ApplyStatusChange(StatusChange{EntityID: "wf-1", NewStatus: "running"})
	m.AppendLog("wf-1", LogEntry{Message: "x"})

	require.NoError(t, p.Close())
	assert.Equal(t, []Op{OpProgress, OpStatus, OpLog}, backend.ops())
	assert.True(t, backend.closed)
	assert.Equal(t, uint64(3), p.Stats().Persisted)

	assert.False(t, p.Enqueue(Mutation{Op: OpLog}))
	assert.NoError(t, p.Close())
}

func TestAsyncPersister_DropsWhenFull(t *testing.T) {
	backend := &recordingPersister{blockCh: make(chan struct{})}
	p := NewAsyncPersister(backend, 1, logging.Discard())

	accepted := 0
	for i := 0; i < 10; i++ {
		if p.Enqueue(Mutation{Op: OpLog, At: time.Now()}) {
			accepted++
		}
	}
	// 最多一条在后端处理中，一条在队列中
	assert.LessOrEqual(t, accepted, 2)
	assert.GreaterOrEqual(t, p.Stats().Dropped, uint64(8))

	close(backend.blockCh)
	require.NoError(t, p.Close())
}

func TestAsyncPersister_CountsFailures(t *testing.T) {
	backend := &recordingPersister{failOn: OpMetrics}
	p := NewAsyncPersister(backend, 4, logging.Discard())

	p.Enqueue(Mutation{Op: OpMetrics})
	p.Enqueue(Mutation{Op: OpLog})
	require.NoError(t, p.Close())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Persisted)
}
