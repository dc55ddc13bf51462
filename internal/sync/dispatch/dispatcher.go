// Package dispatch 事件分发
//
// 每个事件按负载类型分发给唯一的处理器。处理器产生两类副作用：
//   - 领域状态变更请求（state.Store）
//   - 零到多条用户通知（notify.Notifier）
//
// 处理器失败（HandlerError 或 panic）只影响当前事件：
// 记录为处理错误并发出通知，批次中的其他事件继续处理。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"opsdash/internal/state"
	"opsdash/internal/sync/event"
	"opsdash/internal/sync/notify"
	"opsdash/internal/sync/stats"
	"opsdash/pkg/logging"
)

var (
	ErrMissingField   = errors.New("required field missing")
	ErrInvalidField   = errors.New("invalid field value")
	ErrNoValidMetrics = errors.New("no valid metrics in batch")
	ErrUnhandledKind  = errors.New("no handler for event kind")
	ErrHandlerPanic   = errors.New("handler panicked")
)

// HandlerError 负载语义校验失败
type HandlerError struct {
	Kind  event.Kind
	Field string
	Err   error
}

func (e *HandlerError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s handler: %s: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s handler: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func missing(kind event.Kind, field string) error {
	return &HandlerError{Kind: kind, Field: field, Err: ErrMissingField}
}

func invalid(kind event.Kind, field string, format string, args ...any) error {
	return &HandlerError{Kind: kind, Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidField}, args...)...)}
}

// Options 分发器依赖
type Options struct {
	Store    state.Store
	Stats    *stats.Aggregator
	Notifier notify.Notifier
	Logger   *logging.Logger

	// MaxConcurrency 批次内并发处理的分区上限（<= 0 不限制）
	MaxConcurrency int
}

// Dispatcher 事件分发器
type Dispatcher struct {
	store    state.Store
	stats    *stats.Aggregator
	notifier notify.Notifier
	logger   *logging.Logger
	limit    int
	now      func() time.Time
}

// New 创建分发器
func New(opts Options) *Dispatcher {
	if opts.Notifier == nil {
		opts.Notifier = notify.NoOp{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("dispatch")
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAggregator(stats.Config{}, nil, nil)
	}
	return &Dispatcher{
		store:    opts.Store,
		stats:    opts.Stats,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		limit:    opts.MaxConcurrency,
		now:      time.Now,
	}
}

// Process 处理单个事件，返回是否成功
func (d *Dispatcher) Process(ctx context.Context, ev event.Event) bool {
	start := d.now()
	err := d.safeHandle(ctx, ev)
	elapsed := d.now().Sub(start)

	d.logger.EventLog(string(ev.Kind), ev.EntityID(), elapsed, err)
	if err != nil {
		d.stats.RecordFailure(ev.Kind, err, map[string]any{
			"entityId":  ev.EntityID(),
			"sessionId": ev.SessionID,
			"timestamp": ev.Timestamp,
		})
		d.notifyFailure(ctx, ev, err)
		return false
	}

	d.stats.RecordSuccess(ev.Kind, elapsed)
	return true
}

// BatchResult 批次处理结果
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// ProcessBatch 并发处理一个批次并等待全部完成
//
// 批次按实体分区：同一实体的事件在分区内按到达顺序依次处理，
// 不同分区并发执行，分区之间不保证完成顺序。
func (d *Dispatcher) ProcessBatch(ctx context.Context, batch []event.Event) BatchResult {
	var ok, failed atomic.Int64

	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for _, part := range partition(batch) {
		g.Go(func() error {
			for _, ev := range part {
				if d.Process(ctx, ev) {
					ok.Add(1)
				} else {
					failed.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{Processed: int(ok.Load()), Failed: int(failed.Load())}
}

// partition 按实体 ID 分组，保持组的首次出现顺序与组内到达顺序
func partition(batch []event.Event) [][]event.Event {
	index := make(map[string]int)
	var parts [][]event.Event
	for _, ev := range batch {
		key := ev.EntityID()
		if key == "" {
			key = "kind:" + string(ev.Kind)
		}
		i, ok := index[key]
		if !ok {
			i = len(parts)
			index[key] = i
			parts = append(parts, nil)
		}
		parts[i] = append(parts[i], ev)
	}
	return parts
}

// safeHandle 调用处理器并把 panic 转换为 HandlerError
func (d *Dispatcher) safeHandle(ctx context.Context, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panic recovered", "kind", string(ev.Kind), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = &HandlerError{Kind: ev.Kind, Err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
		}
	}()
	return d.handle(ctx, ev)
}

// handle 按负载类型分发
func (d *Dispatcher) handle(ctx context.Context, ev event.Event) error {
	if d.store == nil {
		return &HandlerError{Kind: ev.Kind, Err: errors.New("state store not configured")}
	}

	switch p := ev.Data.(type) {
	case event.ProgressUpdate:
		return d.handleProgress(p)
	case event.StatusChange:
		return d.handleStatusChange(ctx, ev, p)
	case event.ResultAdded:
		return d.handleResult(ctx, p)
	case event.ErrorRaised:
		return d.handleError(ctx, ev, p)
	case event.MetricBatch:
		return d.handleMetrics(ev, p)
	case event.LogAppended:
		return d.handleLog(ev, p)
	default:
		return &HandlerError{Kind: ev.Kind, Err: ErrUnhandledKind}
	}
}

// notifyFailure 指标与日志失败降级为 warning，其余为 error
func (d *Dispatcher) notifyFailure(ctx context.Context, ev event.Event, err error) {
	level := notify.LevelError
	if ev.Kind == event.KindMetricBatch || ev.Kind == event.KindLogAppended {
		level = notify.LevelWarning
	}
	n := notify.New(level, fmt.Sprintf("Failed to process %s event", ev.Kind), err.Error()).
		WithSource(string(ev.Kind), ev.EntityID())
	d.notifier.Notify(ctx, n)
}
