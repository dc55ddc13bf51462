// Package batch 事件批处理调度
//
// 触发条件：
//   - 队列长度达到 Size → 立即刷新
//   - 否则在 Timeout 后刷新（同一时刻最多只有一个刷新定时器）
//
// 刷新时原子地换出当前队列，换出的批次严格按换出顺序交给下游。
package batch

import (
	"sync"
	"time"

	"opsdash/internal/clock"
	"opsdash/internal/sync/event"
)

const (
	DefaultSize    = 10
	DefaultTimeout = 100 * time.Millisecond
)

// Trigger 刷新原因
type Trigger string

const (
	TriggerSize    Trigger = "size"
	TriggerTimeout Trigger = "timeout"
	TriggerManual  Trigger = "manual"
)

// Sink 接收刷新出的批次
type Sink func(batch []event.Event, trigger Trigger)

// Config 调度配置
type Config struct {
	Size    int
	Timeout time.Duration
}

// Scheduler 批处理调度器
type Scheduler struct {
	cfg   Config
	clock clock.Clock
	sink  Sink

	mu    sync.Mutex
	queue []event.Event
	timer clock.Timer
	gen   uint64 // 每次换出或取消后递增，过期的定时器回调据此忽略

	// flushMu 在持有 mu 时获取，保证批次按换出顺序交付
	flushMu sync.Mutex
}

// New 创建调度器，clk 为 nil 时使用系统时钟
func New(cfg Config, clk clock.Clock, sink Sink) *Scheduler {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{cfg: cfg, clock: clk, sink: sink}
}

// Accept 入队一个已校验事件
func (s *Scheduler) Accept(ev event.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)

	if len(s.queue) >= s.cfg.Size {
		s.flushLocked(TriggerSize)
		return
	}

	if s.timer == nil {
		gen := s.gen
		s.timer = s.clock.AfterFunc(s.cfg.Timeout, func() { s.onTimer(gen) })
	}
	s.mu.Unlock()
}

// FlushNow 立即刷新当前队列，返回刷新的事件数
func (s *Scheduler) FlushNow() int {
	s.mu.Lock()
	n := len(s.queue)
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	s.flushLocked(TriggerManual)
	return n
}

// Cancel 丢弃未刷新的队列与定时器，返回丢弃的事件数
func (s *Scheduler) Cancel() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := len(s.queue)
	s.queue = nil
	s.stopTimerLocked()
	s.gen++
	return dropped
}

// Pending 当前排队的事件数
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.flushLocked(TriggerTimeout)
}

// flushLocked 换出队列并交付，调用时持有 mu，返回时已释放
func (s *Scheduler) flushLocked(trigger Trigger) {
	batch := s.queue
	s.queue = nil
	s.stopTimerLocked()
	s.gen++

	s.flushMu.Lock()
	s.mu.Unlock()
	defer s.flushMu.Unlock()

	if s.sink != nil {
		s.sink(batch, trigger)
	}
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
