// Package redisstore 基于 Redis 的状态持久化
//
// 键布局（prefix 默认 "opsdash:"）：
//
//	entity:<id>        HASH   实体当前状态
//	entities:<kind>    SET    按类别索引的实体 ID
//	status:<id>        LIST   状态变更审计（保留最近 100 条）
//	results:<id>       LIST   结果（保留最近 100 条）
//	logs:<id>          LIST   日志（保留最近 LogLimit 条）
//	metrics            STREAM 指标样本（MaxLen 近似裁剪）
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"opsdash/internal/state"
	"opsdash/pkg/logging"
)

const (
	DefaultPrefix       = "opsdash:"
	DefaultLogLimit     = 500
	DefaultMetricMaxLen = 10000
	historyLimit        = 100
	resultLimit         = 100
)

// Config Redis 持久化配置
type Config struct {
	Prefix       string
	LogLimit     int64
	MetricMaxLen int64
}

// Store Redis 持久化后端，实现 state.Persister
type Store struct {
	client *redis.Client
	cfg    Config
	logger *logging.Logger
	owned  bool
}

var _ state.Persister = (*Store)(nil)

// Connect 从 URL 创建 Redis 客户端并验证连接
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewStoreFromClient 复用已有客户端（Close 不关闭客户端）
func NewStoreFromClient(client *redis.Client, cfg Config, logger *logging.Logger) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = DefaultLogLimit
	}
	if cfg.MetricMaxLen <= 0 {
		cfg.MetricMaxLen = DefaultMetricMaxLen
	}
	if logger == nil {
		logger = logging.Default("redisstore")
	}
	return &Store{client: client, cfg: cfg, logger: logger}
}

// NewStore 连接 redisURL 并创建持久化后端
func NewStore(ctx context.Context, redisURL string, cfg Config, logger *logging.Logger) (*Store, error) {
	client, err := Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	s := NewStoreFromClient(client, cfg, logger)
	s.owned = true
	return s, nil
}

// Close 关闭自有连接
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) key(parts ...string) string {
	k := s.cfg.Prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ============================================================================
// 写入
// ============================================================================

// Persist 按变更类型写入，同一变更的多条命令放在一个 pipeline 中
func (s *Store) Persist(ctx context.Context, m state.Mutation) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if m.Entity != nil {
			s.writeEntity(ctx, pipe, m.Entity)
		}
		switch m.Op {
		case state.OpStatus:
			if m.Status != nil {
				pushCapped(ctx, pipe, s.key("status", m.EntityID), m.Status, historyLimit)
			}
		case state.OpResult:
			if m.Result != nil {
				pushCapped(ctx, pipe, s.key("results", m.EntityID), m.Result, resultLimit)
			}
		case state.OpLog:
			if m.Log != nil {
				pushCapped(ctx, pipe, s.key("logs", m.EntityID), m.Log, s.cfg.LogLimit)
			}
		case state.OpMetrics:
			for _, metric := range m.Metrics {
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: s.key("metrics"),
					MaxLen: s.cfg.MetricMaxLen,
					Approx: true,
					Values: map[string]any{
						"name":  metric.Name,
						"value": strconv.FormatFloat(metric.Value, 'f', -1, 64),
						"unit":  metric.Unit,
						"trend": metric.Trend,
						"at":    metric.At.UTC().Format(time.RFC3339Nano),
					},
				})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: persist %s: %w", m.Op, err)
	}
	return nil
}

func (s *Store) writeEntity(ctx context.Context, pipe redis.Pipeliner, e *state.Entity) {
	pipe.HSet(ctx, s.key("entity", e.ID), map[string]any{
		"id":         e.ID,
		"kind":       string(e.Kind),
		"name":       e.Name,
		"status":     e.Status,
		"progress":   strconv.FormatFloat(e.Progress, 'f', -1, 64),
		"stage":      e.Stage,
		"message":    e.Message,
		"metadata":   state.MarshalMetadata(e.Metadata),
		"results":    e.Results,
		"completed":  strconv.FormatBool(e.Completed),
		"updated_at": e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if e.Kind != "" {
		pipe.SAdd(ctx, s.key("entities", string(e.Kind)), e.ID)
	}
}

func pushCapped(ctx context.Context, pipe redis.Pipeliner, key string, v any, limit int64) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -limit, -1)
}

// ============================================================================
// 读取（恢复与诊断）
// ============================================================================

// ErrNotFound 实体不存在
var ErrNotFound = errors.New("entity not found")

// LoadEntity 读取实体
func (s *Store) LoadEntity(ctx context.Context, id string) (state.Entity, error) {
	fields, err := s.client.HGetAll(ctx, s.key("entity", id)).Result()
	if err != nil {
		return state.Entity{}, err
	}
	if len(fields) == 0 {
		return state.Entity{}, ErrNotFound
	}

	e := state.Entity{
		ID:      fields["id"],
		Kind:    state.EntityKind(fields["kind"]),
		Name:    fields["name"],
		Status:  fields["status"],
		Stage:   fields["stage"],
		Message: fields["message"],
	}
	e.Progress, _ = strconv.ParseFloat(fields["progress"], 64)
	e.Results, _ = strconv.Atoi(fields["results"])
	e.Completed, _ = strconv.ParseBool(fields["completed"])
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	if md := fields["metadata"]; md != "" && md != "{}" {
		_ = json.Unmarshal([]byte(md), &e.Metadata)
	}
	return e, nil
}

// LoadAll 读取某类别的全部实体（用于离线时的快照兜底）
func (s *Store) LoadAll(ctx context.Context, kind state.EntityKind) ([]state.Entity, error) {
	ids, err := s.client.SMembers(ctx, s.key("entities", string(kind))).Result()
	if err != nil {
		return nil, err
	}
	out := make([]state.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.LoadEntity(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Logs 读取实体日志（旧→新）
func (s *Store) Logs(ctx context.Context, id string) ([]state.LogEntry, error) {
	return readList[state.LogEntry](ctx, s.client, s.key("logs", id))
}

// StatusHistory 读取状态变更审计（旧→新）
func (s *Store) StatusHistory(ctx context.Context, id string) ([]state.StatusChange, error) {
	return readList[state.StatusChange](ctx, s.client, s.key("status", id))
}

// MetricSamples 读取最近 count 条指标样本（新→旧）
func (s *Store) MetricSamples(ctx context.Context, count int64) ([]state.Metric, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.key("metrics"), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]state.Metric, 0, len(msgs))
	for _, msg := range msgs {
		m := state.Metric{
			Name:  fmt.Sprint(msg.Values["name"]),
			Unit:  fmt.Sprint(msg.Values["unit"]),
			Trend: fmt.Sprint(msg.Values["trend"]),
		}
		m.Value, _ = strconv.ParseFloat(fmt.Sprint(msg.Values["value"]), 64)
		m.At, _ = time.Parse(time.RFC3339Nano, fmt.Sprint(msg.Values["at"]))
		out = append(out, m)
	}
	return out, nil
}

func readList[T any](ctx context.Context, client *redis.Client, key string) ([]T, error) {
	items, err := client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
