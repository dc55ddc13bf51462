package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"opsdash/internal/clock"
	"opsdash/internal/sync/notify"
	"opsdash/internal/sync/stats"
	"opsdash/pkg/logging"
)

// 控制消息
const (
	ActionHeartbeat    = "heartbeat"
	ActionHeartbeatAck = "heartbeat-ack"
)

// Config 连接管理配置
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // <= 0 关闭应答超时检测
	DialTimeout       time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		DialTimeout:       10 * time.Second,
	}
}

// Hooks 生命周期回调，均在状态锁之外调用
type Hooks struct {
	// OnOpen 连接建立后调用（同步执行，用于快照种子与订阅重放）
	OnOpen func(ctx context.Context)
	// OnMessage 每条非心跳入站消息
	OnMessage func(raw []byte)
	// OnDisconnect 人工断开时调用（取消批处理定时器）
	OnDisconnect func()
	// OnStateChange 每次状态变化
	OnStateChange func(from, to State, status Status)
}

// Options Manager 依赖
type Options struct {
	Config    Config
	Transport Transport
	Clock     clock.Clock
	Notifier  notify.Notifier
	Exporter  *stats.Exporter
	Logger    *logging.Logger
	Hooks     Hooks
}

// Manager 连接管理器，独占传输连接与 ConnectionState
type Manager struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	notifier  notify.Notifier
	exporter  *stats.Exporter
	logger    *logging.Logger
	hooks     Hooks

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	status Status
	gen    uint64 // 当前连接周期，任何结束连接的转移都会递增
	conn   Conn

	retryTimer     clock.Timer
	heartbeatTimer clock.Timer
	ackTimer       clock.Timer
	pingSeq        uint64
	pingSentAt     time.Time
	awaitingAck    bool

	writeMu sync.Mutex
}

// New 创建连接管理器
func New(opts Options) *Manager {
	cfg := opts.Config
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoOp{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("connection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		transport: opts.Transport,
		clock:     opts.Clock,
		notifier:  opts.Notifier,
		exporter:  opts.Exporter,
		logger:    opts.Logger,
		hooks:     opts.Hooks,
		baseCtx:   ctx,
		cancel:    cancel,
		status:    Status{State: StateDisconnected},
	}
	m.exporter.SetConnectionState(string(StateDisconnected), StateNames())
	return m
}

// SetHooks 替换生命周期回调（须在 Connect 之前调用）
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// ============================================================================
// 公共操作
// ============================================================================

// Connect 建立连接
//
// 已连接、连接中或等待重连时为空操作。从 disconnected / error 发起时重置重试计数。
// 拨号在调用方 goroutine 中同步完成，成功时 OnOpen 也已执行完毕。
func (m *Manager) Connect(ctx context.Context) error {
	return m.handle(sigConnect{ctx: ctx})
}

// Disconnect 人工断开：取消全部定时器、关闭连接并进入 disconnected（幂等）
func (m *Manager) Disconnect() {
	_ = m.handle(sigDisconnect{})
}

// Close 断开并释放资源
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

// Send 将 v 编码为 JSON 写入当前连接
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.status.State == StateConnected
	m.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}
	return m.write(conn, data)
}

// Connected 是否已连接
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State == StateConnected
}

// Status 返回状态快照
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) write(conn Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// ============================================================================
// 状态机
// ============================================================================

type signal interface{ name() string }

type sigConnect struct{ ctx context.Context }

type sigDisconnect struct{}

type sigOpened struct {
	gen  uint64
	conn Conn
}

type sigDialFailed struct {
	gen uint64
	err error
}

type sigClosed struct {
	gen    uint64
	code   int
	reason string
}

type sigRetry struct{ gen uint64 }

type sigHeartbeatTick struct{ gen uint64 }

type sigHeartbeatAck struct{ gen uint64 }

type sigHeartbeatTimeout struct {
	gen uint64
	seq uint64
}

func (sigConnect) name() string          { return "connect" }
func (sigDisconnect) name() string       { return "disconnect" }
func (sigOpened) name() string           { return "opened" }
func (sigDialFailed) name() string       { return "dial-failed" }
func (sigClosed) name() string           { return "closed" }
func (sigRetry) name() string            { return "retry" }
func (sigHeartbeatTick) name() string    { return "heartbeat-tick" }
func (sigHeartbeatAck) name() string     { return "heartbeat-ack" }
func (sigHeartbeatTimeout) name() string { return "heartbeat-timeout" }

// handle 状态机唯一入口：在锁内计算转移，锁外执行副作用
func (m *Manager) handle(sig signal) error {
	m.mu.Lock()
	effects := m.transition(sig)
	m.mu.Unlock()

	var err error
	for _, fx := range effects {
		if e := fx(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

type effect func() error

func (m *Manager) transition(sig signal) []effect {
	switch s := sig.(type) {
	case sigConnect:
		return m.onConnect(s)
	case sigDisconnect:
		return m.onDisconnect()
	case sigOpened:
		return m.onOpened(s)
	case sigDialFailed:
		if s.gen != m.gen {
			return nil
		}
		m.status.LastError = s.err.Error()
		return m.onConnectionLost(CloseAbnormal, s.err.Error())
	case sigClosed:
		if s.gen != m.gen || m.conn == nil {
			return nil
		}
		return m.onConnectionLost(s.code, s.reason)
	case sigRetry:
		if s.gen != m.gen || m.status.State != StateReconnecting {
			return nil
		}
		m.retryTimer = nil
		return m.startDialLocked(m.baseCtx)
	case sigHeartbeatTick:
		return m.onHeartbeatTick(s)
	case sigHeartbeatAck:
		return m.onHeartbeatAck(s)
	case sigHeartbeatTimeout:
		if s.gen != m.gen || !m.awaitingAck || s.seq != m.pingSeq {
			return nil
		}
		m.status.LastError = "heartbeat timeout"
		m.logger.HeartbeatLog("timeout", m.cfg.HeartbeatTimeout, errHeartbeatTimeout)
		return m.onConnectionLost(CloseHeartbeatTimeout, "heartbeat timeout")
	}
	return nil
}

func (m *Manager) onConnect(s sigConnect) []effect {
	switch m.status.State {
	case StateConnected, StateConnecting, StateReconnecting:
		return nil
	}
	m.status.ReconnectAttempts = 0
	m.status.NextRetryAt = time.Time{}
	ctx := s.ctx
	if ctx == nil {
		ctx = m.baseCtx
	}
	return m.startDialLocked(ctx)
}

// startDialLocked 进入 connecting 并返回拨号副作用
func (m *Manager) startDialLocked(ctx context.Context) []effect {
	m.gen++
	gen := m.gen
	fx := m.setStateLocked(StateConnecting)

	dial := func() error {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()

		conn, err := m.transport.Dial(dctx)
		if err != nil {
			_ = m.handle(sigDialFailed{gen: gen, err: err})
			return err
		}
		return m.handle(sigOpened{gen: gen, conn: conn})
	}
	return append(fx, dial)
}

func (m *Manager) onOpened(s sigOpened) []effect {
	if s.gen != m.gen || m.status.State != StateConnecting {
		// 拨号期间已被 Disconnect 或新的连接取代
		conn := s.conn
		return []effect{func() error { conn.Close(CloseNormal, "superseded"); return nil }}
	}

	now := m.clock.Now()
	m.conn = s.conn
	m.status.ReconnectAttempts = 0
	m.status.LastError = ""
	m.status.NextRetryAt = time.Time{}
	m.status.ConnectedAt = now
	fx := m.setStateLocked(StateConnected)
	m.armHeartbeatLocked(s.gen)

	// OnOpen 完成（快照基线就位）后才开始读取入站事件
	conn, gen, onOpen := s.conn, s.gen, m.hooks.OnOpen
	if onOpen != nil {
		ctx := m.baseCtx
		fx = append(fx, func() error { onOpen(ctx); return nil })
	}
	return append(fx, func() error {
		go m.readLoop(gen, conn)
		return nil
	})
}

// onConnectionLost 当前连接结束（关闭、拨号失败或心跳超时）后应用重连策略
func (m *Manager) onConnectionLost(code int, reason string) []effect {
	m.gen++
	m.stopHeartbeatLocked()

	var fx []effect
	if conn := m.conn; conn != nil {
		m.conn = nil
		fx = append(fx, func() error { conn.Close(code, reason); return nil })
	}

	if code == CloseNormal {
		m.status.NextRetryAt = time.Time{}
		return append(fx, m.setStateLocked(StateDisconnected)...)
	}

	if m.status.LastError == "" && reason != "" {
		m.status.LastError = reason
	}

	attempts := m.status.ReconnectAttempts
	if attempts < m.cfg.MaxAttempts {
		delay := Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, attempts)
		m.status.ReconnectAttempts = attempts + 1
		m.status.NextRetryAt = m.clock.Now().Add(delay)
		fx = append(fx, m.setStateLocked(StateReconnecting)...)

		gen := m.gen
		m.retryTimer = m.clock.AfterFunc(delay, func() { _ = m.handle(sigRetry{gen: gen}) })
		m.exporter.RecordReconnect()

		n := notify.New(notify.LevelWarning, "Reconnecting",
			fmt.Sprintf("Connection lost (code %d). Retrying in %s (attempt %d/%d)", code, delay, attempts+1, m.cfg.MaxAttempts)).
			WithSource("connection", "")
		return append(fx, m.notifyEffect(n))
	}

	m.status.NextRetryAt = time.Time{}
	fx = append(fx, m.setStateLocked(StateError)...)
	n := notify.New(notify.LevelError, "Connection failed",
		fmt.Sprintf("Unable to reach the event server after %d attempts: %s", attempts, m.status.LastError)).
		WithPersistent().
		WithAction("Retry", "connect").
		WithSource("connection", "")
	return append(fx, m.notifyEffect(n))
}

func (m *Manager) onDisconnect() []effect {
	if m.status.State == StateDisconnected && m.conn == nil && m.retryTimer == nil {
		return nil
	}

	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopHeartbeatLocked()

	var fx []effect
	if h := m.hooks.OnDisconnect; h != nil {
		fx = append(fx, func() error { h(); return nil })
	}
	if conn := m.conn; conn != nil {
		m.conn = nil
		fx = append(fx, func() error { conn.Close(CloseNormal, "client disconnect"); return nil })
	}

	m.status.ReconnectAttempts = 0
	m.status.NextRetryAt = time.Time{}
	fx = append(fx, m.setStateLocked(StateDisconnected)...)

	n := notify.New(notify.LevelInfo, "Disconnected", "Live updates paused").WithSource("connection", "")
	return append(fx, m.notifyEffect(n))
}

// ============================================================================
// 心跳
// ============================================================================

func (m *Manager) armHeartbeatLocked(gen uint64) {
	m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		_ = m.handle(sigHeartbeatTick{gen: gen})
	})
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	m.awaitingAck = false
}

func (m *Manager) onHeartbeatTick(s sigHeartbeatTick) []effect {
	if s.gen != m.gen || m.status.State != StateConnected || m.conn == nil {
		return nil
	}

	m.pingSeq++
	m.pingSentAt = m.clock.Now()
	m.awaitingAck = true
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	if m.cfg.HeartbeatTimeout > 0 {
		gen, seq := s.gen, m.pingSeq
		m.ackTimer = m.clock.AfterFunc(m.cfg.HeartbeatTimeout, func() {
			_ = m.handle(sigHeartbeatTimeout{gen: gen, seq: seq})
		})
	}
	m.armHeartbeatLocked(s.gen)

	conn := m.conn
	return []effect{func() error {
		if err := m.write(conn, heartbeatMessage); err != nil {
			m.logger.HeartbeatLog("send-failed", 0, err)
		}
		return nil
	}}
}

func (m *Manager) onHeartbeatAck(s sigHeartbeatAck) []effect {
	if s.gen != m.gen || !m.awaitingAck {
		return nil
	}
	now := m.clock.Now()
	rtt := now.Sub(m.pingSentAt)
	m.awaitingAck = false
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	m.status.LastHeartbeatAt = now
	m.status.RoundTripTime = rtt
	m.exporter.RecordRTT(rtt)
	m.logger.HeartbeatLog("ack", rtt, nil)
	return nil
}

var (
	heartbeatMessage    = []byte(`{"action":"heartbeat"}`)
	errHeartbeatTimeout = errors.New("no heartbeat-ack received")
)

// isHeartbeatAck 识别心跳应答控制消息
func isHeartbeatAck(raw []byte) bool {
	if !bytes.Contains(raw, []byte(ActionHeartbeatAck)) {
		return false
	}
	var msg struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	return msg.Action == ActionHeartbeatAck
}

// ============================================================================
// 读循环
// ============================================================================

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code, reason := CloseCode(err)
			_ = m.handle(sigClosed{gen: gen, code: code, reason: reason})
			return
		}
		if isHeartbeatAck(data) {
			_ = m.handle(sigHeartbeatAck{gen: gen})
			continue
		}

		m.mu.Lock()
		current := gen == m.gen
		onMessage := m.hooks.OnMessage
		m.mu.Unlock()
		if !current {
			return
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// ============================================================================
// 辅助
// ============================================================================

// setStateLocked 记录状态变化，返回回调副作用
func (m *Manager) setStateLocked(to State) []effect {
	from := m.status.State
	if from == to {
		return nil
	}
	m.status.State = to

	var err error
	if m.status.LastError != "" && (to == StateReconnecting || to == StateError) {
		err = errors.New(m.status.LastError)
	}
	m.logger.ConnectionLog(string(from), string(to), m.status.ReconnectAttempts, err)
	m.exporter.SetConnectionState(string(to), StateNames())

	cb := m.hooks.OnStateChange
	if cb == nil {
		return nil
	}
	snap := m.status
	return []effect{func() error { cb(from, to, snap); return nil }}
}

func (m *Manager) notifyEffect(n notify.Notification) effect {
	notifier, ctx := m.notifier, m.baseCtx
	return func() error {
		notifier.Notify(ctx, n)
		return nil
	}
}
