// Package event 推送事件的信封、负载类型与校验
//
// 事件是一个封闭的标签联合：Kind 决定 Data 的负载结构。
//
// 数据流：
//
//	WebSocket 原始消息 → Validate() → Event（带类型化 Payload）
//	                         │
//	                         └─ 拒绝：ValidationError（不进入处理统计）
package event

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Kind - 事件类型
// ============================================================================

// Kind 事件类型判别字段
type Kind string

const (
	// KindProgressUpdate 进度更新
	// Data: {"entityId": "...", "progress": 42}
	KindProgressUpdate Kind = "progress-update"

	// KindStatusChange 工作流 / Agent 状态变更
	// Data: {"entityId": "...", "entityKind": "workflow", "newStatus": "running", "previousStatus": "pending"}
	KindStatusChange Kind = "status-change"

	// KindResultAdded 产出结果
	// Data: {"entityId": "...", "result": {...}, "isComplete": true}
	KindResultAdded Kind = "result-added"

	// KindErrorRaised 错误上报
	// Data: {"message": "...", "severity": "high", "isRecoverable": false}
	KindErrorRaised Kind = "error-raised"

	// KindMetricBatch 指标批量上报
	// Data: {"metrics": [{"name": "cpu", "value": 0.5, "unit": "%", "trend": "up"}]}
	KindMetricBatch Kind = "metric-batch"

	// KindLogAppended 日志追加
	// Data: {"entityId": "...", "logEntry": {"level": "info", "message": "...", "timestamp": "..."}}
	KindLogAppended Kind = "log-appended"
)

var allKinds = []Kind{
	KindProgressUpdate,
	KindStatusChange,
	KindResultAdded,
	KindErrorRaised,
	KindMetricBatch,
	KindLogAppended,
}

// Kinds 返回全部已知事件类型
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid 是否为已知事件类型
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }

// EntityKind 状态变更的实体类别
type EntityKind string

const (
	EntityWorkflow EntityKind = "workflow"
	EntityAgent    EntityKind = "agent"
)

// Severity 错误严重级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid 是否为已知严重级别
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ============================================================================
// Event - 事件信封
// ============================================================================

// Event 已通过结构校验的事件
type Event struct {
	Kind       Kind            `json:"kind"`
	Timestamp  string          `json:"timestamp"`
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId,omitempty"`
	Data       Payload         `json:"data"`
	Raw        json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"-"`
}

// Time 解析信封时间戳，无法解析时返回零值
func (e Event) Time() time.Time {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EntityID 返回负载关联的实体 ID（无实体时为空）
func (e Event) EntityID() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.Entity()
}

// ============================================================================
// Payload - 类型化负载（封闭联合）
// ============================================================================

// Payload 事件负载
//
// 仅本包内的类型实现该接口，新增事件类型需同时扩展 Validate 与 dispatch 的类型分支。
type Payload interface {
	Kind() Kind
	Entity() string
	isPayload()
}

// ProgressUpdate 进度更新负载
type ProgressUpdate struct {
	EntityID string   `json:"entityId"`
	Progress *float64 `json:"progress"`
	Message  string   `json:"message,omitempty"`
	Stage    string   `json:"stage,omitempty"`
}

// StatusChange 状态变更负载
type StatusChange struct {
	EntityID       string         `json:"entityId"`
	EntityKind     EntityKind     `json:"entityKind"`
	NewStatus      string         `json:"newStatus"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ResultAdded 结果产出负载
type ResultAdded struct {
	EntityID   string          `json:"entityId"`
	Result     json.RawMessage `json:"result"`
	IsComplete bool            `json:"isComplete,omitempty"`
}

// ErrorRaised 错误上报负载
type ErrorRaised struct {
	EntityID      string   `json:"entityId,omitempty"`
	Message       string   `json:"message"`
	Severity      Severity `json:"severity"`
	IsRecoverable *bool    `json:"isRecoverable,omitempty"`
	Code          string   `json:"code,omitempty"`
}

// Recoverable 未声明时视为可恢复
func (p ErrorRaised) Recoverable() bool {
	return p.IsRecoverable == nil || *p.IsRecoverable
}

// MetricBatch 指标批量负载
//
// 单条指标保持原始 JSON，由处理器逐条过滤格式错误的指标。
type MetricBatch struct {
	Metrics []json.RawMessage `json:"metrics"`
}

// LogAppended 日志追加负载
type LogAppended struct {
	EntityID string    `json:"entityId"`
	LogEntry *LogEntry `json:"logEntry"`
}

// LogEntry 日志条目
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (ProgressUpdate) Kind() Kind { return KindProgressUpdate }
func (StatusChange) Kind() Kind   { return KindStatusChange }
func (ResultAdded) Kind() Kind    { return KindResultAdded }
func (ErrorRaised) Kind() Kind    { return KindErrorRaised }
func (MetricBatch) Kind() Kind    { return KindMetricBatch }
func (LogAppended) Kind() Kind    { return KindLogAppended }

func (p ProgressUpdate) Entity() string { return p.EntityID }
func (p StatusChange) Entity() string   { return p.EntityID }
func (p ResultAdded) Entity() string    { return p.EntityID }
func (p ErrorRaised) Entity() string    { return p.EntityID }
func (MetricBatch) Entity() string      { return "" }
func (p LogAppended) Entity() string    { return p.EntityID }

func (ProgressUpdate) isPayload() {}
func (StatusChange) isPayload()   {}
func (ResultAdded) isPayload()    {}
func (ErrorRaised) isPayload()    {}
func (MetricBatch) isPayload()    {}
func (LogAppended) isPayload()    {}

// newPayload 按类型创建空负载，用于解码
func newPayload(k Kind) any {
	switch k {
	case KindProgressUpdate:
		return &ProgressUpdate{}
	case KindStatusChange:
		return &StatusChange{}
	case KindResultAdded:
		return &ResultAdded{}
	case KindErrorRaised:
		return &ErrorRaised{}
	case KindMetricBatch:
		return &MetricBatch{}
	case KindLogAppended:
		return &LogAppended{}
	}
	return nil
}

// deref 将解码指针转为值类型负载
func deref(p any) Payload {
	switch v := p.(type) {
	case *ProgressUpdate:
		return *v
	case *StatusChange:
		return *v
	case *ResultAdded:
		return *v
	case *ErrorRaised:
		return *v
	case *MetricBatch:
		return *v
	case *LogAppended:
		return *v
	}
	return nil
}
