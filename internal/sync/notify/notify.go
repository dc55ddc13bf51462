// Package notify 面向用户的通知
//
// 通知是单向、发后不管的：发送失败只记录日志，不影响事件处理结果。
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"opsdash/pkg/logging"
)

// Level 通知级别
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Action 用户可执行的操作（如"重试连接"）
type Action struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// Notification 用户通知
type Notification struct {
	ID         string    `json:"id"`
	Level      Level     `json:"level"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Persistent bool      `json:"persistent"` // true 表示不自动消失
	Action     *Action   `json:"action,omitempty"`
	Source     string    `json:"source,omitempty"` // 来源组件或事件类型
	EntityID   string    `json:"entityId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// New 创建通知并分配 ID
func New(level Level, title, message string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// WithPersistent 标记为常驻通知
func (n Notification) WithPersistent() Notification {
	n.Persistent = true
	return n
}

// WithAction 附加用户操作
func (n Notification) WithAction(label, command string) Notification {
	n.Action = &Action{Label: label, Command: command}
	return n
}

// WithSource 标记来源
func (n Notification) WithSource(source, entityID string) Notification {
	n.Source = source
	n.EntityID = entityID
	return n
}

// ============================================================================
// Notifier 接口与基础实现
// ============================================================================

// Notifier 通知投递接口
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier 将通知写入结构化日志
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default("notify")
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	args := []any{"id", n.ID, "title", n.Title, "persistent", n.Persistent}
	if n.Source != "" {
		args = append(args, "source", n.Source)
	}
	if n.EntityID != "" {
		args = append(args, "entity_id", n.EntityID)
	}

	lg := l.logger.WithContext(ctx)
	switch n.Level {
	case LevelError:
		lg.Error(n.Message, args...)
	case LevelWarning:
		lg.Warn(n.Message, args...)
	default:
		lg.Info(n.Message, append(args, "level", string(n.Level))...)
	}
}

// Fanout 同时投递到多个通知器
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) {
	for _, target := range f {
		if target != nil {
			target.Notify(ctx, n)
		}
	}
}
