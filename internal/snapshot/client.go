// Package snapshot 会话开始时拉取工作流与 Agent 的初始状态
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"opsdash/internal/state"
	"opsdash/pkg/logging"
)

// ErrUnexpectedStatus 快照接口返回非 2xx
var ErrUnexpectedStatus = errors.New("unexpected snapshot status")

// Snapshot 初始快照
type Snapshot struct {
	Workflows []state.Entity `json:"workflows"`
	Agents    []state.Entity `json:"agents"`
}

// Entities 合并两类实体并补全 Kind
func (s *Snapshot) Entities() []state.Entity {
	out := make([]state.Entity, 0, len(s.Workflows)+len(s.Agents))
	for _, e := range s.Workflows {
		e.Kind = state.KindWorkflow
		out = append(out, e)
	}
	for _, e := range s.Agents {
		e.Kind = state.KindAgent
		out = append(out, e)
	}
	return out
}

// TokenSource 为请求签发 Bearer 令牌
type TokenSource interface {
	Token(sessionID, userID string) (string, error)
}

// Config 客户端配置
type Config struct {
	URL       string
	SessionID string
	UserID    string
	Timeout   time.Duration
}

// Client 快照 REST 客户端
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     TokenSource
	logger     *logging.Logger
}

// NewClient 创建快照客户端，tokens 可为 nil
func NewClient(cfg Config, httpClient *http.Client, tokens TokenSource, logger *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.Default("snapshot")
	}
	return &Client{cfg: cfg, httpClient: httpClient, tokens: tokens, logger: logger}
}

// Fetch 拉取快照
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.SessionID != "" {
		req.Header.Set("X-Session-ID", c.cfg.SessionID)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(c.cfg.SessionID, c.cfg.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to sign snapshot request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	c.logger.WithDuration(time.Since(start)).Info("Snapshot fetched",
		"workflows", len(snap.Workflows), "agents", len(snap.Agents))
	return &snap, nil
}
