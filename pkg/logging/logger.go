// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	SessionIDKey ContextKey = "session_id"
	EntityIDKey  ContextKey = "entity_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or text
	Output    string `yaml:"output"` // stdout, stderr, or file path
	Component string `yaml:"-"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	return NewWithWriter(openOutput(cfg.Output), cfg)
}

// NewWithWriter 创建写入指定 Writer 的日志器
func NewWithWriter(output io.Writer, cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	l := slog.New(handler)
	if cfg.Component != "" {
		l = l.With(slog.String("component", cfg.Component))
	}
	return &Logger{Logger: l, component: cfg.Component}
}

// NewWithHandler 使用自定义 slog.Handler 创建日志器
func NewWithHandler(handler slog.Handler, component string) *Logger {
	l := slog.New(handler)
	if component != "" {
		l = l.With(slog.String("component", component))
	}
	return &Logger{Logger: l, component: component}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Discard 丢弃所有输出（测试用）
func Discard() *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		component: "discard",
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutput(output string) io.Writer {
	switch output {
	case "stdout", "":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return os.Stdout
		}
		return f
	}
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// Named 派生子组件日志器
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("subcomponent", component)),
		component: component,
	}
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	if entityID, ok := ctx.Value(EntityIDKey).(string); ok && entityID != "" {
		attrs = append(attrs, slog.String("entity_id", entityID))
	}
	if len(attrs) == 0 {
		return l
	}

	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithSessionID 添加会话 ID
func (l *Logger) WithSessionID(sessionID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("session_id", sessionID)),
		component: l.component,
	}
}

// WithEventKind 添加事件类型
func (l *Logger) WithEventKind(kind string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("event_kind", kind)),
		component: l.component,
	}
}

// WithEntityID 添加实体 ID
func (l *Logger) WithEntityID(entityID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("entity_id", entityID)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Microseconds())/1000)),
		component: l.component,
	}
}

// ConnectionLog 连接状态变更日志
func (l *Logger) ConnectionLog(from, to string, attempts int, err error) {
	attrs := []any{
		slog.String("from", from),
		slog.String("to", to),
		slog.Int("reconnect_attempts", attempts),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Connection state changed", attrs...)
		return
	}
	l.Logger.Info("Connection state changed", attrs...)
}

// HeartbeatLog 心跳日志
func (l *Logger) HeartbeatLog(status string, latency time.Duration, err error) {
	attrs := []any{
		slog.String("status", status),
		slog.Float64("latency_ms", float64(latency.Microseconds())/1000),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Heartbeat failed", attrs...)
	} else {
		l.Logger.Debug("Heartbeat", attrs...)
	}
}

// EventLog 事件处理日志
func (l *Logger) EventLog(kind, entityID string, elapsed time.Duration, err error) {
	attrs := []any{
		slog.String("event_kind", kind),
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	}
	if entityID != "" {
		attrs = append(attrs, slog.String("entity_id", entityID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Event processing failed", attrs...)
	} else {
		l.Logger.Debug("Event processed", attrs...)
	}
}
