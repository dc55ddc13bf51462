package state

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

const (
	defaultLogLimit     = 500
	defaultHistoryLimit = 100
	defaultResultLimit  = 100
)

// MemoryConfig 内存状态存储配置
type MemoryConfig struct {
	LogLimit int // 每个实体保留的日志条数
}

// Memory 内存中的权威领域状态
//
// 读取方（仪表盘渲染、健康检查）通过只读访问器获取拷贝。
type Memory struct {
	cfg       MemoryConfig
	persister *AsyncPersister
	now       func() time.Time

	mu       sync.RWMutex
	entities map[string]*Entity
	history  map[string][]StatusChange
	results  map[string][]Result
	logs     map[string][]LogEntry
	metrics  map[string]Metric
	samples  uint64
}

// NewMemory 创建内存状态存储，persister 可为 nil
func NewMemory(cfg MemoryConfig, persister *AsyncPersister) *Memory {
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = defaultLogLimit
	}
	return &Memory{
		cfg:       cfg,
		persister: persister,
		now:       time.Now,
		entities:  make(map[string]*Entity),
		history:   make(map[string][]StatusChange),
		results:   make(map[string][]Result),
		logs:      make(map[string][]LogEntry),
		metrics:   make(map[string]Metric),
	}
}

var _ Store = (*Memory)(nil)

// entityLocked 获取或创建实体（事件可能先于快照到达）
func (m *Memory) entityLocked(id string) *Entity {
	e, ok := m.entities[id]
	if !ok {
		e = &Entity{ID: id}
		m.entities[id] = e
	}
	return e
}

func (m *Memory) enqueue(mu Mutation) {
	if m.persister != nil {
		m.persister.Enqueue(mu)
	}
}

// ApplyProgress 更新进度
func (m *Memory) ApplyProgress(entityID string, progress float64, extra ProgressExtra) {
	now := m.now()

	m.mu.Lock()
	e := m.entityLocked(entityID)
	e.Progress = progress
	if extra.Stage != "" {
		e.Stage = extra.Stage
	}
	if extra.Message != "" {
		e.Message = extra.Message
	}
	e.UpdatedAt = now
	snap := *e
	m.mu.Unlock()

	m.enqueue(Mutation{Op: OpProgress, EntityID: entityID, Entity: &snap, At: now})
}

// ApplyStatusChange 更新状态并追加审计记录
func (m *Memory) ApplyStatusChange(change StatusChange) {
	now := m.now()
	if change.At.IsZero() {
		change.At = now
	}

	m.mu.Lock()
	e := m.entityLocked(change.EntityID)
	if change.Kind != "" {
		e.Kind = change.Kind
	}
	e.Status = change.NewStatus
	if len(change.Metadata) > 0 {
		// 写时复制：已入队的快照仍引用旧 map
		merged := make(map[string]any, len(e.Metadata)+len(change.Metadata))
		for k, v := range e.Metadata {
			merged[k] = v
		}
		for k, v := range change.Metadata {
			merged[k] = v
		}
		e.Metadata = merged
	}
	e.UpdatedAt = now
	snap := *e

	h := append(m.history[change.EntityID], change)
	if over := len(h) - defaultHistoryLimit; over > 0 {
		h = h[over:]
	}
	m.history[change.EntityID] = h
	m.mu.Unlock()

	m.enqueue(Mutation{Op: OpStatus, EntityID: change.EntityID, Entity: &snap, Status: &change, At: now})
}

// AppendResult 追加结果
func (m *Memory) AppendResult(entityID string, result json.RawMessage, complete bool) {
	now := m.now()
	r := Result{EntityID: entityID, Data: append(json.RawMessage(nil), result...), Complete: complete, At: now}

	m.mu.Lock()
	e := m.entityLocked(entityID)
	e.Results++
	if complete {
		e.Completed = true
	}
	e.UpdatedAt = now
	snap := *e

	rs := append(m.results[entityID], r)
	if over := len(rs) - defaultResultLimit; over > 0 {
		rs = rs[over:]
	}
	m.results[entityID] = rs
	m.mu.Unlock()

	m.enqueue(Mutation{Op: OpResult, EntityID: entityID, Entity: &snap, Result: &r, At: now})
}

// AppendLog 追加日志（超过上限时淘汰最旧的）
func (m *Memory) AppendLog(entityID string, entry LogEntry) {
	now := m.now()

	m.mu.Lock()
	m.entityLocked(entityID)
	logs := append(m.logs[entityID], entry)
	if over := len(logs) - m.cfg.LogLimit; over > 0 {
		logs = logs[over:]
	}
	m.logs[entityID] = logs
	m.mu.Unlock()

	m.enqueue(Mutation{Op: OpLog, EntityID: entityID, Log: &entry, At: now})
}

// RecordMetricBatch 记录指标（按名称保留最新值）
func (m *Memory) RecordMetricBatch(metrics []Metric) {
	now := m.now()
	batch := make([]Metric, len(metrics))
	copy(batch, metrics)

	m.mu.Lock()
	for i := range batch {
		if batch[i].At.IsZero() {
			batch[i].At = now
		}
		m.metrics[batch[i].Name] = batch[i]
	}
	m.samples += uint64(len(batch))
	m.mu.Unlock()

	m.enqueue(Mutation{Op: OpMetrics, Metrics: batch, At: now})
}

// Seed 用快照建立基线
func (m *Memory) Seed(entities []Entity) {
	now := m.now()

	m.mu.Lock()
	snaps := make([]Entity, 0, len(entities))
	for _, in := range entities {
		e := in
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		m.entities[e.ID] = &e
		snaps = append(snaps, e)
	}
	m.mu.Unlock()

	for i := range snaps {
		m.enqueue(Mutation{Op: OpSeed, EntityID: snaps[i].ID, Entity: &snaps[i], At: now})
	}
}

// ============================================================================
// 只读访问器
// ============================================================================

// Entity 返回实体拷贝
func (m *Memory) Entity(id string) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Entities 返回指定类别的实体（kind 为空返回全部），按 ID 排序
func (m *Memory) Entities(kind EntityKind) []Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if kind == "" || e.Kind == kind {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StatusHistory 返回状态变更审计记录
func (m *Memory) StatusHistory(id string) []StatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StatusChange(nil), m.history[id]...)
}

// Results 返回结果列表
func (m *Memory) Results(id string) []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Result(nil), m.results[id]...)
}

// Logs 返回日志列表
func (m *Memory) Logs(id string) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LogEntry(nil), m.logs[id]...)
}

// Metrics 返回每个指标的最新值，按名称排序
func (m *Memory) Metrics() []Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Metric, 0, len(m.metrics))
	for _, v := range m.metrics {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MetricSamples 累计记录的指标样本数
func (m *Memory) MetricSamples() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.samples
}
