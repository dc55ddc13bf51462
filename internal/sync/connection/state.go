// Package connection 推送连接管理
//
// Manager 在任一时刻只维护一个传输连接，状态机：
//
//	disconnected ──Connect──▶ connecting ──open──▶ connected
//	     ▲                        │                   │
//	     │                        │ dial 失败          │ 异常关闭 / 心跳超时
//	     │                        ▼                   ▼
//	     └──正常关闭/Disconnect── reconnecting ◀──────┘
//	                              │ 超过重试上限
//	                              ▼
//	                            error ──Connect（人工重试）──▶ connecting
//
// 所有传输回调与定时器都通过 handle(signal) 进入状态机，
// 过期连接（generation 不匹配）的回调一律忽略。
package connection

import (
	"errors"
	"fmt"
	"time"
)

// State 连接状态
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// States 全部连接状态
func States() []State {
	return []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateError}
}

// StateNames 全部连接状态名（指标标签用）
func StateNames() []string {
	names := make([]string, 0, 5)
	for _, s := range States() {
		names = append(names, string(s))
	}
	return names
}

// Status 连接状态快照
type Status struct {
	State             State         `json:"state"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	LastHeartbeatAt   time.Time     `json:"lastHeartbeatAt"`
	RoundTripTime     time.Duration `json:"roundTripTime"`
	LastError         string        `json:"lastError,omitempty"`
	NextRetryAt       time.Time     `json:"nextRetryAt"`
	ConnectedAt       time.Time     `json:"connectedAt"`
}

// Connected 是否已连接
func (s Status) Connected() bool { return s.State == StateConnected }

// ============================================================================
// 关闭码
// ============================================================================

const (
	CloseNormal           = 1000 // 有意关闭，不重连
	CloseGoingAway        = 1001
	CloseAbnormal         = 1006 // 未收到关闭帧（网络错误、dial 失败）
	CloseHeartbeatTimeout = 4000 // 心跳应答超时，视为半开连接
)

// CloseError 连接关闭原因
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}

// CloseCode 提取关闭码，非 CloseError 视为异常关闭
func CloseCode(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	if err == nil {
		return CloseNormal, ""
	}
	return CloseAbnormal, err.Error()
}

var (
	// ErrNotConnected 当前没有可用连接
	ErrNotConnected = errors.New("not connected")
)

// Backoff 第 attempts 次重试前的等待：min(base * 2^attempts, max)
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
