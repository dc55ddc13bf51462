package state

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"opsdash/pkg/logging"
)

// Op 变更类型
type Op string

const (
	OpSeed     Op = "seed"
	OpProgress Op = "progress"
	OpStatus   Op = "status"
	OpResult   Op = "result"
	OpLog      Op = "log"
	OpMetrics  Op = "metrics"
)

// Mutation 一次状态变更（持久化单元）
type Mutation struct {
	Op       Op
	EntityID string
	Entity   *Entity // 变更后的实体快照（seed/progress/status/result）
	Status   *StatusChange
	Result   *Result
	Log      *LogEntry
	Metrics  []Metric
	At       time.Time
}

// Persister 变更持久化后端
type Persister interface {
	Persist(ctx context.Context, m Mutation) error
	Close() error
}

// ============================================================================
// AsyncPersister - 后台持久化
// ============================================================================

// AsyncPersister 通过有界队列把变更交给后台 goroutine 持久化
//
// Enqueue 从不阻塞：队列满时丢弃并记录告警。
type AsyncPersister struct {
	backend Persister
	queue   chan Mutation
	logger  *logging.Logger
	timeout time.Duration

	dropped   atomic.Uint64
	failed    atomic.Uint64
	persisted atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncPersister 创建并启动后台持久化
func NewAsyncPersister(backend Persister, queueSize int, logger *logging.Logger) *AsyncPersister {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = logging.Default("state")
	}
	a := &AsyncPersister{
		backend: backend,
		queue:   make(chan Mutation, queueSize),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Enqueue 提交变更，队列已满时返回 false
func (a *AsyncPersister) Enqueue(m Mutation) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return false
	}

	select {
	case a.queue <- m:
		return true
	default:
		n := a.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			a.logger.Warn("Persist queue full, dropping mutation", "op", string(m.Op), "entity_id", m.EntityID, "dropped", n)
		}
		return false
	}
}

func (a *AsyncPersister) run() {
	defer close(a.done)
	for m := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.backend.Persist(ctx, m)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.WithError(err).Warn("Failed to persist mutation", "op", string(m.Op), "entity_id", m.EntityID)
			continue
		}
		a.persisted.Add(1)
	}
}

// Close 处理完队列中剩余的变更后关闭后端
func (a *AsyncPersister) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.backend.Close()
}

// PersisterStats 持久化计数
type PersisterStats struct {
	Persisted uint64 `json:"persisted"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Stats 返回持久化计数
func (a *AsyncPersister) Stats() PersisterStats {
	return PersisterStats{
		Persisted: a.persisted.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
	}
}

// ============================================================================
// 辅助
// ============================================================================

// MarshalMetadata 将元数据编码为 JSON 文本（空时返回 "{}"）
func MarshalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
