// Package eventserver 本地推送事件服务端
//
// 用于 cmd/mock-eventserver 与端到端测试：应答心跳、记录客户端控制消息、
// 向全部连接广播事件，并可按指定关闭码断开全部客户端。
package eventserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"opsdash/internal/auth"
	"opsdash/pkg/logging"
)

const (
	writeWait = 10 * time.Second

	// CloseUnauthorized 认证失败时的关闭码
	CloseUnauthorized = 4001
)

// Action 客户端发来的控制消息
type Action struct {
	ClientID string          `json:"clientId"`
	Action   string          `json:"action"`
	Raw      json.RawMessage `json:"raw"`
	At       time.Time       `json:"at"`
}

// Config 服务端配置
type Config struct {
	// JWTSecret 非空时校验 authenticate 消息中的令牌
	JWTSecret string
}

// Server WebSocket 推送服务端
type Server struct {
	cfg      Config
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	actions []Action
	ackOff  bool
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// New 创建服务端
func New(cfg Config, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default("eventserver")
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // 本地开发服务端，允许跨域
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP 升级连接并读取控制消息
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Upgrade failed")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Info("Client connected", "client_id", c.id, "total", total)

	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		remaining := len(s.clients)
		s.mu.Unlock()
		c.conn.Close()
		s.logger.Info("Client disconnected", "client_id", c.id, "remaining", remaining)
	}()

	c.conn.SetReadLimit(1 << 20)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Warn("Read error", "client_id", c.id)
			}
			return
		}
		s.handleMessage(c, data)
	}
}

func (s *Server) handleMessage(c *client, data []byte) {
	var msg struct {
		Action string `json:"action"`
		Data   struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Action == "" {
		s.logger.Debug("Ignoring malformed client message", "client_id", c.id)
		return
	}

	s.mu.Lock()
	s.actions = append(s.actions, Action{ClientID: c.id, Action: msg.Action, Raw: append(json.RawMessage(nil), data...), At: time.Now()})
	ackOff := s.ackOff
	s.mu.Unlock()

	switch msg.Action {
	case "heartbeat":
		if ackOff {
			return
		}
		if err := c.write(websocket.TextMessage, []byte(`{"action":"heartbeat-ack"}`)); err != nil {
			s.logger.WithError(err).Warn("Heartbeat ack failed", "client_id", c.id)
		}
	case "authenticate":
		if s.cfg.JWTSecret == "" {
			return
		}
		if _, err := auth.Parse(s.cfg.JWTSecret, msg.Data.Token); err != nil {
			s.logger.WithError(err).Warn("Rejected client token", "client_id", c.id)
			s.closeClient(c, CloseUnauthorized, "invalid token")
		}
	default:
		s.logger.Debug("Client action", "client_id", c.id, "action", msg.Action)
	}
}

// SetHeartbeatAck 控制是否应答心跳（关闭后可模拟半开连接）
func (s *Server) SetHeartbeatAck(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackOff = !on
}

// Broadcast 向全部客户端发送原始消息，返回成功发送的客户端数
func (s *Server) Broadcast(raw []byte) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(websocket.TextMessage, raw); err != nil {
			s.logger.WithError(err).Warn("Broadcast error", "client_id", c.id)
			continue
		}
		sent++
	}
	return sent
}

// CloseAll 以 code 关闭全部客户端
func (s *Server) CloseAll(code int, reason string) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.closeClient(c, code, reason)
	}
}

func (s *Server) closeClient(c *client, code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.conn.Close()
}

// Clients 当前连接数
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Actions 返回收到的全部控制消息
func (s *Server) Actions() []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Action(nil), s.actions...)
}

// ActionNames 按到达顺序返回控制消息名，可按名称过滤
func (s *Server) ActionNames(only ...string) []string {
	want := make(map[string]bool, len(only))
	for _, o := range only {
		want[o] = true
	}
	var out []string
	for _, a := range s.Actions() {
		if len(want) == 0 || want[a.Action] {
			out = append(out, a.Action)
		}
	}
	return out
}
