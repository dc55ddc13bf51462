package subscription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"opsdash/pkg/logging"
)

// EtcdStore 将期望订阅保存在 etcd 中
//
// Key 格式：<prefix>/subscriptions/<base64url(订阅唯一键)>
type EtcdStore struct {
	client *clientv3.Client
	prefix string
	logger *logging.Logger
}

// EtcdConfig etcd 配置
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewEtcdStore 连接 etcd 并做一次健康检查
func NewEtcdStore(cfg EtcdConfig, logger *logging.Logger) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/opsdash"
	}
	if logger == nil {
		logger = logging.Default("subscription")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	logger.Info("Connected to etcd", "endpoints", cfg.Endpoints, "prefix", cfg.Prefix)
	return &EtcdStore{client: client, prefix: cfg.Prefix, logger: logger}, nil
}

// Close 关闭连接
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func (s *EtcdStore) dir() string {
	return s.prefix + "/subscriptions/"
}

func (s *EtcdStore) key(sub Subscription) string {
	return s.dir() + base64.RawURLEncoding.EncodeToString([]byte(sub.Key()))
}

// Load 读取全部订阅
func (s *EtcdStore) Load(ctx context.Context) ([]Subscription, error) {
	resp, err := s.client.Get(ctx, s.dir(), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var sub Subscription
		if err := json.Unmarshal(kv.Value, &sub); err != nil {
			s.logger.WithError(err).Warn("Skipping malformed subscription", "key", string(kv.Key))
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Put 保存订阅
func (s *EtcdStore) Put(ctx context.Context, sub Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key(sub), string(data)); err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// Delete 删除订阅
func (s *EtcdStore) Delete(ctx context.Context, sub Subscription) error {
	if _, err := s.client.Delete(ctx, s.key(sub)); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// Clear 删除全部订阅（测试用）
func (s *EtcdStore) Clear(ctx context.Context) error {
	_, err := s.client.Delete(ctx, s.dir(), clientv3.WithPrefix())
	return err
}
