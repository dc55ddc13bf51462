// Package archive 诊断缓冲区归档
//
// 运维人员排查事件异常时，将 EventBuffer 的当前内容连同统计快照导出到对象存储或文档库。
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"opsdash/internal/sync/event"
	"opsdash/internal/sync/stats"
)

// 归档后端
const (
	BackendNone  = "none"
	BackendMinIO = "minio"
	BackendMongo = "mongo"
)

// ErrEmptyDump 没有可归档的内容
var ErrEmptyDump = errors.New("nothing to archive")

// Dump 一次归档内容
type Dump struct {
	SessionID string                `json:"sessionId" bson:"session_id"`
	CreatedAt time.Time             `json:"createdAt" bson:"created_at"`
	Events    []event.BufferedEvent `json:"events" bson:"events"`
	Evicted   uint64                `json:"evicted" bson:"evicted"`
	Stats     stats.Snapshot        `json:"stats" bson:"stats"`
}

// Key 对象键：event-buffer/<session>/<20060102T150405.000Z>.json
func (d Dump) Key() string {
	session := d.SessionID
	if session == "" {
		session = "unknown"
	}
	return fmt.Sprintf("event-buffer/%s/%s.json", session, d.CreatedAt.UTC().Format("20060102T150405.000Z"))
}

// Sink 归档目标
type Sink interface {
	// Store 写入一次归档，返回归档位置（对象键或文档 ID）
	Store(ctx context.Context, d Dump) (string, error)
	Close() error
}

// ============================================================================
// Memory - 内存归档（测试与未配置后端时使用）
// ============================================================================

// Memory 在内存中保留归档
type Memory struct {
	mu    sync.Mutex
	dumps []Dump
}

// NewMemory 创建内存归档
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Store(_ context.Context, d Dump) (string, error) {
	if len(d.Events) == 0 {
		return "", ErrEmptyDump
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumps = append(m.dumps, d)
	return d.Key(), nil
}

func (m *Memory) Close() error { return nil }

// Dumps 返回全部归档
func (m *Memory) Dumps() []Dump {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Dump(nil), m.dumps...)
}
