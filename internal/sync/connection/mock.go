package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ============================================================================
// MemoryTransport 内存传输（测试与本地演示用）
// ============================================================================

// ErrDialRefused 模拟拨号失败
var ErrDialRefused = errors.New("dial refused")

// MemoryTransport 每次 Dial 返回一个新的 MemoryConn
type MemoryTransport struct {
	mu       sync.Mutex
	failNext int
	failErr  error
	conns    []*MemoryConn
	dials    int
}

// NewMemoryTransport 创建内存传输
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

// FailNext 接下来 n 次 Dial 返回 err（nil 时使用 ErrDialRefused）
func (t *MemoryTransport) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		err = ErrDialRefused
	}
	t.failNext = n
	t.failErr = err
}

func (t *MemoryTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.failNext > 0 {
		t.failNext--
		return nil, t.failErr
	}
	c := newMemoryConn()
	t.conns = append(t.conns, c)
	return c, nil
}

// Dials 返回 Dial 调用次数
func (t *MemoryTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Last 返回最近一次成功建立的连接
func (t *MemoryTransport) Last() *MemoryConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conns 返回全部已建立的连接
func (t *MemoryTransport) Conns() []*MemoryConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*MemoryConn, len(t.conns))
	copy(out, t.conns)
	return out
}

// MemoryConn 内存连接，服务端一侧通过 Deliver / CloseRemote 驱动
type MemoryConn struct {
	inbox chan []byte
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	closeErr  *CloseError
	sent      [][]byte
	closeCode int
}

func newMemoryConn() *MemoryConn {
	return &MemoryConn{
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
}

func (c *MemoryConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	}
}

func (c *MemoryConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

// Close 本地关闭
func (c *MemoryConn) Close(code int, reason string) error {
	c.shutdown(code, reason)
	return nil
}

// Deliver 模拟服务端推送一条消息
func (c *MemoryConn) Deliver(data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.inbox <- data
}

// CloseRemote 模拟服务端以 code 关闭连接
func (c *MemoryConn) CloseRemote(code int, reason string) {
	c.shutdown(code, reason)
}

func (c *MemoryConn) shutdown(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeErr = &CloseError{Code: code, Reason: reason}
	close(c.done)
}

// Closed 返回连接是否关闭及关闭码
func (c *MemoryConn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// Sent 返回客户端写出的全部消息
func (c *MemoryConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentActions 返回客户端写出消息的 action 字段
func (c *MemoryConn) SentActions() []string {
	var actions []string
	for _, raw := range c.Sent() {
		var msg struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			actions = append(actions, msg.Action)
		}
	}
	return actions
}
