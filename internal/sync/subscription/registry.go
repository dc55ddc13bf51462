// Package subscription 订阅登记表
//
// 登记表记录期望的订阅集合，与连接状态无关：
//   - 已连接：Add/Remove 立即发送 subscribe/unsubscribe 控制消息
//   - 未连接：只记录期望状态，下次连接成功后由 Replay 整体重发
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"opsdash/internal/sync/event"
	"opsdash/pkg/logging"
)

// 控制消息 action
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

var (
	ErrUnknownKind   = errors.New("unknown event kind")
	ErrInvalidFilter = errors.New("filter values must be scalar")
)

// Subscription 对一类事件的订阅，可按实体等标量字段过滤
type Subscription struct {
	Kind   event.Kind     `json:"kind"`
	Filter map[string]any `json:"filter,omitempty"`
}

// Key 唯一键：kind + 规范化（键排序）的过滤器 JSON
func (s Subscription) Key() string {
	filter := s.Filter
	if filter == nil {
		filter = map[string]any{}
	}
	// encoding/json 对 map 按键排序输出
	data, err := json.Marshal(filter)
	if err != nil {
		data = []byte(fmt.Sprint(filter))
	}
	return string(s.Kind) + "|" + string(data)
}

// Validate 校验类型与过滤器
func (s Subscription) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	for k, v := range s.Filter {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		default:
			return fmt.Errorf("%w: %s is %T", ErrInvalidFilter, k, v)
		}
	}
	return nil
}

// Message subscribe/unsubscribe 控制消息
type Message struct {
	Action        string         `json:"action"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Sender 控制消息发送方（由连接管理器实现）
type Sender interface {
	Send(v any) error
	Connected() bool
}

// Store 订阅持久化（可选）
type Store interface {
	Load(ctx context.Context) ([]Subscription, error)
	Put(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, sub Subscription) error
}

// Registry 订阅登记表
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]Subscription
	sender Sender
	store  Store
	logger *logging.Logger
}

// NewRegistry 创建登记表，store 可为 nil
func NewRegistry(store Store, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default("subscription")
	}
	return &Registry{
		subs:   make(map[string]Subscription),
		store:  store,
		logger: logger,
	}
}

// SetSender 绑定控制消息发送方
func (r *Registry) SetSender(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = s
}

// Load 从持久化存储恢复期望订阅（不发送消息）
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	subs, err := r.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range subs {
		if err := s.Validate(); err != nil {
			r.logger.WithError(err).Warn("Skipping stored subscription", "key", s.Key())
			continue
		}
		if _, ok := r.subs[s.Key()]; !ok {
			r.subs[s.Key()] = s
			n++
		}
	}
	return n, nil
}

// Add 添加订阅，已存在时返回 false
func (r *Registry) Add(ctx context.Context, sub Subscription) (bool, error) {
	if err := sub.Validate(); err != nil {
		return false, err
	}
	key := sub.Key()

	r.mu.Lock()
	if _, ok := r.subs[key]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.subs[key] = sub
	sender := r.sender
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Put(ctx, sub); err != nil {
			r.logger.WithError(err).Warn("Failed to persist subscription", "key", key)
		}
	}
	r.send(sender, ActionSubscribe, []Subscription{sub})
	return true, nil
}

// Remove 按唯一键移除订阅，不存在时返回 false
func (r *Registry) Remove(ctx context.Context, sub Subscription) bool {
	key := sub.Key()

	r.mu.Lock()
	existing, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.subs, key)
	sender := r.sender
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, existing); err != nil {
			r.logger.WithError(err).Warn("Failed to delete persisted subscription", "key", key)
		}
	}
	r.send(sender, ActionUnsubscribe, []Subscription{existing})
	return true
}

// Replay 在新连接上一次性重发全部订阅
func (r *Registry) Replay(sender Sender) error {
	subs := r.List()
	if len(subs) == 0 {
		return nil
	}
	if err := sender.Send(Message{Action: ActionSubscribe, Subscriptions: subs}); err != nil {
		return fmt.Errorf("failed to replay %d subscriptions: %w", len(subs), err)
	}
	r.logger.Info("Subscriptions replayed", "count", len(subs))
	return nil
}

// List 按唯一键排序返回全部订阅
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Subscription, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.subs[k])
	}
	return out
}

// Len 订阅数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// send 已连接时发送控制消息，失败时保留期望状态等待重连后重放
func (r *Registry) send(sender Sender, action string, subs []Subscription) {
	if sender == nil || !sender.Connected() {
		return
	}
	if err := sender.Send(Message{Action: action, Subscriptions: subs}); err != nil {
		r.logger.WithError(err).Warn("Failed to send subscription message", "action", action)
	}
}
