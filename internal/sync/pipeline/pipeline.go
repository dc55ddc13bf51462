// Package pipeline 实时同步会话
//
// 一个 Pipeline 对应一个仪表盘会话，持有唯一的连接管理器、订阅登记表、
// 批处理调度器、分发器、统计聚合器与诊断缓冲区。入站链路：
//
//	Manager.OnMessage → ingest → Buffer.Add → event.Validate
//	    ├─ 拒绝：告警 + 拒绝计数
//	    └─ 通过：Scheduler.Accept → flush → Dispatcher.ProcessBatch → state.Store
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"opsdash/internal/archive"
	"opsdash/internal/clock"
	"opsdash/internal/snapshot"
	"opsdash/internal/state"
	"opsdash/internal/sync/batch"
	"opsdash/internal/sync/connection"
	"opsdash/internal/sync/dispatch"
	"opsdash/internal/sync/event"
	"opsdash/internal/sync/notify"
	"opsdash/internal/sync/stats"
	"opsdash/internal/sync/subscription"
	"opsdash/pkg/logging"
)

var (
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("pipeline closed")
	// ErrNoArchive 未配置归档后端
	ErrNoArchive = errors.New("archive sink is not configured")
)

// ActionAuthenticate 认证控制消息
const ActionAuthenticate = "authenticate"

// Config 会话配置
type Config struct {
	SessionID      string
	UserID         string
	Connection     connection.Config
	Batch          batch.Config
	BufferCapacity int
	Stats          stats.Config
	MaxConcurrency int
}

// SnapshotSource 初始快照来源
type SnapshotSource interface {
	Fetch(ctx context.Context) (*snapshot.Snapshot, error)
}

// TokenSource 认证令牌来源
type TokenSource interface {
	Token(sessionID, userID string) (string, error)
}

// Deps 外部依赖，Transport 与 Store 必填
type Deps struct {
	Transport     connection.Transport
	Store         state.Store
	Clock         clock.Clock
	Notifier      notify.Notifier
	Exporter      *stats.Exporter
	Logger        *logging.Logger
	Subscriptions subscription.Store
	Snapshot      SnapshotSource
	Tokens        TokenSource
	Archive       archive.Sink
}

// Pipeline 同步会话
type Pipeline struct {
	cfg      Config
	clock    clock.Clock
	logger   *logging.Logger
	exporter *stats.Exporter
	notifier notify.Notifier

	conn       *connection.Manager
	registry   *subscription.Registry
	scheduler  *batch.Scheduler
	dispatcher *dispatch.Dispatcher
	stats      *stats.Aggregator
	buffer     *event.Buffer

	store    state.Store
	snapshot SnapshotSource
	tokens   TokenSource
	archive  archive.Sink

	ctx    context.Context
	cancel context.CancelFunc

	seedMu sync.Mutex
	seeded bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New 组装会话
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("pipeline: transport is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline: state store is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoOp{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default("sync")
	}
	logger := deps.Logger
	if cfg.SessionID != "" {
		logger = logger.WithSessionID(cfg.SessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		clock:    deps.Clock,
		logger:   logger,
		exporter: deps.Exporter,
		notifier: deps.Notifier,
		store:    deps.Store,
		snapshot: deps.Snapshot,
		tokens:   deps.Tokens,
		archive:  deps.Archive,
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}

	p.stats = stats.NewAggregator(cfg.Stats, deps.Clock, deps.Exporter)
	p.buffer = event.NewBuffer(cfg.BufferCapacity)
	p.dispatcher = dispatch.New(dispatch.Options{
		Store:          deps.Store,
		Stats:          p.stats,
		Notifier:       deps.Notifier,
		Logger:         logger.Named("dispatch"),
		MaxConcurrency: cfg.MaxConcurrency,
	})
	p.scheduler = batch.New(cfg.Batch, deps.Clock, p.flush)
	p.registry = subscription.NewRegistry(deps.Subscriptions, logger.Named("subscription"))
	p.conn = connection.New(connection.Options{
		Config:    cfg.Connection,
		Transport: deps.Transport,
		Clock:     deps.Clock,
		Notifier:  deps.Notifier,
		Exporter:  deps.Exporter,
		Logger:    logger.Named("connection"),
		Hooks: connection.Hooks{
			OnOpen:       p.onOpen,
			OnMessage:    p.ingest,
			OnDisconnect: p.onDisconnect,
		},
	})
	p.registry.SetSender(p.conn)

	return p, nil
}

// ============================================================================
// 生命周期
// ============================================================================

// Start 恢复持久化订阅并建立连接
func (p *Pipeline) Start(ctx context.Context, initial ...subscription.Subscription) error {
	if n, err := p.registry.Load(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to restore subscriptions")
	} else if n > 0 {
		p.logger.Info("Subscriptions restored", "count", n)
	}
	for _, sub := range initial {
		if _, err := p.registry.Add(ctx, sub); err != nil {
			return fmt.Errorf("invalid initial subscription %s: %w", sub.Kind, err)
		}
	}
	return p.Connect(ctx)
}

// Connect 建立连接（人工重试也走这里）
func (p *Pipeline) Connect(ctx context.Context) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	return p.conn.Connect(ctx)
}

// Disconnect 人工断开，丢弃未刷新的事件
func (p *Pipeline) Disconnect() {
	p.conn.Disconnect()
}

// Close 结束会话（幂等）
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
		p.cancel()
		if p.archive != nil {
			if err := p.archive.Close(); err != nil {
				p.logger.WithError(err).Warn("Failed to close archive sink")
			}
		}
		p.logger.Info("Sync session closed")
	})
}

// Done 会话关闭后关闭
func (p *Pipeline) Done() <-chan struct{} {
	return p.closed
}

func (p *Pipeline) onOpen(ctx context.Context) {
	p.seedOnce(ctx)

	if p.tokens != nil {
		if err := p.authenticate(); err != nil {
			p.logger.WithError(err).Warn("Failed to authenticate connection")
		}
	}
	if err := p.registry.Replay(p.conn); err != nil {
		p.logger.WithError(err).Warn("Subscription replay failed")
	}
}

// seedOnce 每个会话只用快照建立一次基线，失败时下次连接重试
func (p *Pipeline) seedOnce(ctx context.Context) {
	if p.snapshot == nil {
		return
	}
	p.seedMu.Lock()
	defer p.seedMu.Unlock()
	if p.seeded {
		return
	}

	snap, err := p.snapshot.Fetch(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Initial snapshot unavailable")
		p.notifier.Notify(ctx, notify.New(notify.LevelWarning, "Snapshot unavailable",
			"Showing live updates only until the next reconnect").WithSource("snapshot", ""))
		return
	}
	p.store.Seed(snap.Entities())
	p.seeded = true
}

type authenticateMessage struct {
	Action string           `json:"action"`
	Data   authenticateData `json:"data"`
}

type authenticateData struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

func (p *Pipeline) authenticate() error {
	token, err := p.tokens.Token(p.cfg.SessionID, p.cfg.UserID)
	if err != nil {
		return err
	}
	return p.conn.Send(authenticateMessage{
		Action: ActionAuthenticate,
		Data:   authenticateData{Token: token, SessionID: p.cfg.SessionID, UserID: p.cfg.UserID},
	})
}

func (p *Pipeline) onDisconnect() {
	if dropped := p.scheduler.Cancel(); dropped > 0 {
		p.logger.Info("Discarded pending events on disconnect", "dropped", dropped)
	}
}

// ============================================================================
// 入站
// ============================================================================

// ingest 处理一条入站消息
func (p *Pipeline) ingest(raw []byte) {
	now := p.clock.Now()

	ev, err := event.Validate(raw)
	if err != nil {
		var ve *event.ValidationError
		reason := event.ReasonParse
		var kind event.Kind
		if errors.As(err, &ve) {
			reason, kind = ve.Reason, ve.Kind
		}
		p.buffer.Add(raw, now, kind, reason)
		p.exporter.SetBuffered(p.buffer.Len())

		p.logger.WithError(err).Warn("Rejected inbound event", "reason", string(reason), "bytes", len(raw))
		p.stats.RecordRejected(reason)
		return
	}

	ev.ReceivedAt = now
	p.buffer.Add(raw, now, ev.Kind, "")
	p.exporter.SetBuffered(p.buffer.Len())
	p.scheduler.Accept(ev)
}

// flush 调度器交付批次
func (p *Pipeline) flush(b []event.Event, trigger batch.Trigger) {
	start := time.Now()
	res := p.dispatcher.ProcessBatch(p.ctx, b)
	p.exporter.RecordFlush(string(trigger), len(b))

	p.logger.WithDuration(time.Since(start)).Debug("Batch processed",
		"trigger", string(trigger), "size", len(b), "processed", res.Processed, "failed", res.Failed)
}

// Flush 立即处理待刷新事件
func (p *Pipeline) Flush() int {
	return p.scheduler.FlushNow()
}

// ============================================================================
// 订阅
// ============================================================================

// Subscribe 登记订阅，已连接时立即发送
func (p *Pipeline) Subscribe(ctx context.Context, kind event.Kind, filter map[string]any) (bool, error) {
	return p.registry.Add(ctx, subscription.Subscription{Kind: kind, Filter: filter})
}

// Unsubscribe 取消订阅
func (p *Pipeline) Unsubscribe(ctx context.Context, kind event.Kind, filter map[string]any) bool {
	return p.registry.Remove(ctx, subscription.Subscription{Kind: kind, Filter: filter})
}

// Subscriptions 当前期望订阅
func (p *Pipeline) Subscriptions() []subscription.Subscription {
	return p.registry.List()
}

// ============================================================================
// 观测
// ============================================================================

// Status 连接状态
func (p *Pipeline) Status() connection.Status {
	return p.conn.Status()
}

// Stats 处理统计快照
func (p *Pipeline) Stats() stats.Snapshot {
	return p.stats.Snapshot()
}

// RecentErrors 最近的处理错误
func (p *Pipeline) RecentErrors() []stats.ErrorRecord {
	return p.stats.RecentErrors()
}

// Health 会话健康度
func (p *Pipeline) Health() stats.HealthReport {
	st := p.conn.Status()
	return p.stats.Health(st.Connected(), st.RoundTripTime)
}

// ResetStats 清零统计（运维操作）
func (p *Pipeline) ResetStats() {
	p.stats.Reset()
	p.logger.Info("Processing statistics reset")
}

// Buffer 诊断缓冲区内容（旧→新）
func (p *Pipeline) Buffer() []event.BufferedEvent {
	return p.buffer.Snapshot()
}

// ClearBuffer 清空诊断缓冲区
func (p *Pipeline) ClearBuffer() {
	p.buffer.Clear()
	p.exporter.SetBuffered(0)
}

// Replay 重新分发缓冲区中通过校验的事件，kinds 为空时重放全部类型
func (p *Pipeline) Replay(ctx context.Context, kinds ...event.Kind) dispatch.BatchResult {
	want := make(map[event.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	var events []event.Event
	for _, be := range p.buffer.Snapshot() {
		if !be.Valid() || (len(want) > 0 && !want[be.Kind]) {
			continue
		}
		ev, err := event.Validate([]byte(be.Raw))
		if err != nil {
			continue
		}
		ev.ReceivedAt = be.ReceivedAt
		events = append(events, ev)
	}
	if len(events) == 0 {
		return dispatch.BatchResult{}
	}

	res := p.dispatcher.ProcessBatch(ctx, events)
	p.logger.Info("Buffered events replayed", "events", len(events), "failed", res.Failed)
	return res
}

// ArchiveBuffer 将诊断缓冲区与统计快照写入归档后端
func (p *Pipeline) ArchiveBuffer(ctx context.Context) (string, error) {
	if p.archive == nil {
		return "", ErrNoArchive
	}
	dump := archive.Dump{
		SessionID: p.cfg.SessionID,
		CreatedAt: p.clock.Now(),
		Events:    p.buffer.Snapshot(),
		Evicted:   p.buffer.Evicted(),
		Stats:     p.stats.Snapshot(),
	}
	location, err := p.archive.Store(ctx, dump)
	if err != nil {
		return "", fmt.Errorf("failed to archive event buffer: %w", err)
	}
	return location, nil
}
