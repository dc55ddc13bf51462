// Package subscription 订阅登记表单元测试
//
// # 测试分组
//
// ## 纯内存（fakeSender）
//   - TestSubscription_Key: 过滤器键顺序不影响唯一键
//   - TestRegistry_AddIdempotent: 重复添加只保留一条
//   - TestRegistry_RemoveEmpties: 按唯一键移除
//   - TestRegistry_DisconnectedRecordsOnly: 未连接时只记录期望状态
//   - TestRegistry_Replay: 重连后整体重发
//
// ## etcd（需要本地 etcd，不可用时跳过）
//   - TestEtcdStore_RoundTrip
package subscription

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdash/internal/sync/event"
	"opsdash/pkg/logging"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []Message
	err       error
}

func (f *fakeSender) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v.(Message))
	return nil
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type memStore struct {
	items map[string]Subscription
}

func (m *memStore) Load(context.Context) ([]Subscription, error) {
	var out []Subscription
	for _, s := range m.items {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) Put(_ context.Context, s Subscription) error {
	m.items[s.Key()] = s
	return nil
}

func (m *memStore) Delete(_ context.Context, s Subscription) error {
	delete(m.items, s.Key())
	return nil
}

func progressFor(entity string) Subscription {
	return Subscription{Kind: event.KindProgressUpdate, Filter: map[string]any{"entityId": entity}}
}

func TestSubscription_Key(t *testing.T) {
	a := Subscription{Kind: event.KindLogAppended, Filter: map[string]any{"entityId": "wf-1", "level": "error"}}
	b := Subscription{Kind: event.KindLogAppended, Filter: map[string]any{"level": "error", "entityId": "wf-1"}}
	assert.Equal(t, a.Key(), b.Key())

	assert.Equal(t, Subscription{Kind: event.KindMetricBatch}.Key(), Subscription{Kind: event.KindMetricBatch, Filter: map[string]any{}}.Key())
	assert.NotEqual(t, progressFor("wf-1").Key(), progressFor("wf-2").Key())
}

func TestSubscription_Validate(t *testing.T) {
	assert.NoError(t, progressFor("wf-1").Validate())
	assert.ErrorIs(t, Subscription{Kind: "nope"}.Validate(), ErrUnknownKind)
	assert.ErrorIs(t, Subscription{Kind: event.KindProgressUpdate, Filter: map[string]any{"ids": []string{"a"}}}.Validate(), ErrInvalidFilter)
}

func TestRegistry_AddIdempotent(t *testing.T) {
	sender := &fakeSender{connected: true}
	r := NewRegistry(nil, logging.Discard())
	r.SetSender(sender)
	ctx := context.Background()

	added, err := r.Add(ctx, progressFor("wf-1"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Add(ctx, progressFor("wf-1"))
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, 1, r.Len())
	require.Len(t, sender.sent, 1)
	assert.Equal(t, ActionSubscribe, sender.sent[0].Action)
}

func TestRegistry_RemoveEmpties(t *testing.T) {
	sender := &fakeSender{connected: true}
	r := NewRegistry(nil, logging.Discard())
	r.SetSender(sender)
	ctx := context.Background()

	_, err := r.Add(ctx, progressFor("wf-1"))
	require.NoError(t, err)
	assert.True(t, r.Remove(ctx, progressFor("wf-1")))
	assert.False(t, r.Remove(ctx, progressFor("wf-1")))
	assert.Equal(t, 0, r.Len())

	require.Len(t, sender.sent, 2)
	assert.Equal(t, ActionUnsubscribe, sender.sent[1].Action)
}

func TestRegistry_DisconnectedRecordsOnly(t *testing.T) {
	sender := &fakeSender{connected: false}
	r := NewRegistry(nil, logging.Discard())
	r.SetSender(sender)

	_, err := r.Add(context.Background(), progressFor("wf-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	assert.Empty(t, sender.sent)
}

func TestRegistry_SendFailureKeepsDesiredState(t *testing.T) {
	sender := &fakeSender{connected: true, err: errors.New("broken pipe")}
	r := NewRegistry(nil, logging.Discard())
	r.SetSender(sender)

	added, err := r.Add(context.Background(), progressFor("wf-1"))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Replay(t *testing.T) {
	r := NewRegistry(nil, logging.Discard())
	ctx := context.Background()
	for _, id := range []string{"wf-2", "wf-1"} {
		_, err := r.Add(ctx, progressFor(id))
		require.NoError(t, err)
	}
	_, err := r.Add(ctx, Subscription{Kind: event.KindErrorRaised})
	require.NoError(t, err)

	sender := &fakeSender{connected: true}
	require.NoError(t, r.Replay(sender))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, ActionSubscribe, msg.Action)
	require.Len(t, msg.Subscriptions, 3)
	assert.Equal(t, event.KindErrorRaised, msg.Subscriptions[0].Kind)
	assert.Equal(t, "wf-1", msg.Subscriptions[1].Filter["entityId"])

	empty := NewRegistry(nil, logging.Discard())
	idle := &fakeSender{connected: true}
	require.NoError(t, empty.Replay(idle))
	assert.Empty(t, idle.sent)
}

func TestRegistry_StorePersistence(t *testing.T) {
	store := &memStore{items: map[string]Subscription{}}
	ctx := context.Background()

	r := NewRegistry(store, logging.Discard())
	_, err := r.Add(ctx, progressFor("wf-1"))
	require.NoError(t, err)
	_, err = r.Add(ctx, progressFor("wf-2"))
	require.NoError(t, err)
	r.Remove(ctx, progressFor("wf-2"))

	restored := NewRegistry(store, logging.Discard())
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, progressFor("wf-1").Key(), restored.List()[0].Key())
}

func etcdEndpoints() []string {
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		return strings.Split(v, ",")
	}
	return []string{"localhost:2379"}
}

func TestEtcdStore_RoundTrip(t *testing.T) {
	store, err := NewEtcdStore(EtcdConfig{
		Endpoints:   etcdEndpoints(),
		DialTimeout: time.Second,
		Prefix:      "/opsdash-test",
	}, logging.Discard())
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Clear(ctx))
	t.Cleanup(func() { store.Clear(context.Background()) })

	require.NoError(t, store.Put(ctx, progressFor("wf-1")))
	require.NoError(t, store.Put(ctx, Subscription{Kind: event.KindErrorRaised}))

	subs, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	require.NoError(t, store.Delete(ctx, progressFor("wf-1")))
	subs, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, event.KindErrorRaised, subs[0].Kind)
}
