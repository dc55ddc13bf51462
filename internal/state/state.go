// Package state 领域状态存储
//
// Store 是事件处理器唯一的写入目标，独占工作流 / Agent 的业务状态。
// 所有变更都是发后不管的：调用立即返回，持久化由 Persister 异步完成。
package state

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 领域类型
// ============================================================================

// EntityKind 实体类别
type EntityKind string

const (
	KindWorkflow EntityKind = "workflow"
	KindAgent    EntityKind = "agent"
)

// Entity 工作流或 Agent 的当前状态
type Entity struct {
	ID        string         `json:"id"`
	Kind      EntityKind     `json:"kind,omitempty"`
	Name      string         `json:"name,omitempty"`
	Status    string         `json:"status,omitempty"`
	Progress  float64        `json:"progress"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Results   int            `json:"results"`
	Completed bool           `json:"completed"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ProgressExtra 进度附加信息
type ProgressExtra struct {
	Message string
	Stage   string
}

// StatusChange 状态变更请求
type StatusChange struct {
	EntityID       string         `json:"entityId"`
	Kind           EntityKind     `json:"kind"`
	NewStatus      string         `json:"newStatus"`
	PreviousStatus string         `json:"previousStatus,omitempty"` // 按事件所述记录，不与当前状态比对
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	At             time.Time      `json:"at"`
}

// Result 实体产出的结果
type Result struct {
	EntityID string          `json:"entityId"`
	Data     json.RawMessage `json:"data"`
	Complete bool            `json:"complete"`
	At       time.Time       `json:"at"`
}

// LogEntry 实体日志
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Metric 指标样本
type Metric struct {
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	Unit  string    `json:"unit,omitempty"`
	Trend string    `json:"trend,omitempty"`
	At    time.Time `json:"at"`
}

// ============================================================================
// Store 接口
// ============================================================================

// Store 领域状态变更接口
type Store interface {
	ApplyProgress(entityID string, progress float64, extra ProgressExtra)
	ApplyStatusChange(change StatusChange)
	AppendResult(entityID string, result json.RawMessage, complete bool)
	AppendLog(entityID string, entry LogEntry)
	RecordMetricBatch(metrics []Metric)

	// Seed 用初始快照建立基线，覆盖同 ID 的已有实体
	Seed(entities []Entity)
}
