package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"opsdash/pkg/logging"
)

const (
	// DefaultChannel 默认 Pub/Sub 频道
	DefaultChannel = "opsdash:notifications"

	// historyMaxLen 通知历史 Stream 最大长度（近似裁剪）
	historyMaxLen = 500
)

// RedisPublisher 通过 Redis 投递通知
//
//   - PUBLISH <channel>：在线的仪表盘实时接收
//   - XADD <channel>:history：页面加载时补齐最近通知
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *logging.Logger
}

// NewRedisPublisher 创建 Redis 通知器
func NewRedisPublisher(client *redis.Client, channel string, logger *logging.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = logging.Default("notify")
	}
	return &RedisPublisher{client: client, channel: channel, timeout: 2 * time.Second, logger: logger}
}

func (p *RedisPublisher) historyKey() string {
	return p.channel + ":history"
}

// Notify 发布通知，失败只记录日志
func (p *RedisPublisher) Notify(ctx context.Context, n Notification) {
	if err := p.Publish(ctx, n); err != nil {
		p.logger.WithError(err).Warn("Failed to publish notification", "id", n.ID, "title", n.Title)
	}
}

// Publish 发布通知并写入历史
func (p *RedisPublisher) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: p.historyKey(),
		MaxLen: historyMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"level": string(n.Level),
			"data":  string(data),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Recent 返回最近 count 条通知（从新到旧）
func (p *RedisPublisher) Recent(ctx context.Context, count int64) ([]Notification, error) {
	msgs, err := p.client.XRevRangeN(ctx, p.historyKey(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notification history: %w", err)
	}

	out := make([]Notification, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
