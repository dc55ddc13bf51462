package event

import (
	"sync"
	"time"
)

// DefaultBufferCapacity 诊断缓冲区默认容量
const DefaultBufferCapacity = 1000

// BufferedEvent 缓冲区中的一条原始消息
type BufferedEvent struct {
	Seq        uint64    `json:"seq" bson:"seq"`
	ReceivedAt time.Time `json:"receivedAt" bson:"receivedAt"`
	Kind       Kind      `json:"kind,omitempty" bson:"kind,omitempty"`
	Raw        string    `json:"raw" bson:"raw"`
	Rejected   Reason    `json:"rejected,omitempty" bson:"rejected,omitempty"`
}

// Valid 是否通过了校验
func (b BufferedEvent) Valid() bool { return b.Rejected == "" }

// Buffer 最近 N 条原始消息的环形缓冲区，写满后淘汰最旧的一条
type Buffer struct {
	mu       sync.RWMutex
	items    []BufferedEvent
	capacity int
	size     int
	head     int // 下一个写入位置
	seq      uint64
	evicted  uint64
}

// NewBuffer 创建缓冲区，capacity <= 0 时使用默认容量
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{
		items:    make([]BufferedEvent, capacity),
		capacity: capacity,
	}
}

// Add 写入一条消息，返回分配的序号
func (b *Buffer) Add(raw []byte, receivedAt time.Time, kind Kind, rejected Reason) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if b.size == b.capacity {
		b.evicted++
	} else {
		b.size++
	}
	b.items[b.head] = BufferedEvent{
		Seq:        b.seq,
		ReceivedAt: receivedAt,
		Kind:       kind,
		Raw:        string(raw),
		Rejected:   rejected,
	}
	b.head = (b.head + 1) % b.capacity
	return b.seq
}

// Snapshot 按从旧到新返回当前内容的拷贝
func (b *Buffer) Snapshot() []BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]BufferedEvent, 0, b.size)
	start := (b.head - b.size + b.capacity) % b.capacity
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(start+i)%b.capacity])
	}
	return out
}

// Len 当前条数
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap 容量
func (b *Buffer) Cap() int { return b.capacity }

// Evicted 累计淘汰条数
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

// Clear 清空缓冲区（序号不回退）
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make([]BufferedEvent, b.capacity)
	b.size = 0
	b.head = 0
}
