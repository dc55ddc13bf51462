package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 单个传输连接
//
// ReadMessage 只由一个 goroutine 调用；WriteMessage 由 Manager 串行化。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Transport 建立传输连接
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// ============================================================================
// WebSocket 传输
// ============================================================================

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// WebsocketTransport 基于 gorilla/websocket 的传输
type WebsocketTransport struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebsocketTransport 创建 WebSocket 传输
func NewWebsocketTransport(url string, header http.Header) *WebsocketTransport {
	return &WebsocketTransport{
		URL:    url,
		Header: header,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Dial 建立 WebSocket 连接
func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", t.URL, err)
	}
	c.SetReadLimit(maxMessageSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, &CloseError{Code: CloseAbnormal, Reason: err.Error()}
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.c.Close()
}
