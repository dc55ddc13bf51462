package notify

import (
	"context"
	"sync"
)

// ============================================================================
// Recorder - 记录所有通知（用于测试）
// ============================================================================

// Recorder 在内存中记录收到的通知
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// NewRecorder 创建 Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All 返回全部通知
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// ByLevel 返回指定级别的通知
func (r *Recorder) ByLevel(level Level) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.Level == level {
			out = append(out, n)
		}
	}
	return out
}

// Len 通知数量
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Reset 清空
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}

// NoOp 丢弃所有通知
type NoOp struct{}

func (NoOp) Notify(context.Context, Notification) {}
