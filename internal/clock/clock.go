// Package clock 可注入的时钟抽象
//
// 批处理定时器、心跳和重连退避都通过 Clock 调度，
// 测试中使用 MockClock 手动推进时间，无需真实等待。
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock 时钟接口
type Clock interface {
	// Now 返回当前时间
	Now() time.Time

	// AfterFunc 在 d 之后于独立 goroutine 中调用 f（MockClock 在 Advance 调用方中同步调用）
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 可取消的定时器
type Timer interface {
	// Stop 阻止定时器触发，若定时器已触发或已停止返回 false
	Stop() bool
}

// Real 使用系统时间
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ============================================================================
// MockClock
// ============================================================================

// MockClock 提供确定性的时间控制（测试用）
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*mockTimer
}

type mockTimer struct {
	clock *MockClock
	when  time.Time
	seq   int
	f     func()
	done  bool
}

// NewMock 创建从 start 开始的 MockClock
func NewMock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &mockTimer{clock: m, when: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	t.clock.removeLocked(t)
	return true
}

func (m *MockClock) removeLocked(t *mockTimer) {
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Advance 推进时间并按到期顺序触发定时器
//
// 回调在调用方 goroutine 中执行，回调内新建的定时器若在目标时间内到期也会被触发。
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.done = true
		m.removeLocked(next)
		m.now = next.when
		m.mu.Unlock()

		next.f()
	}
}

func (m *MockClock) nextDueLocked(target time.Time) *mockTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	if m.timers[0].when.After(target) {
		return nil
	}
	return m.timers[0]
}

// Pending 返回尚未触发的定时器数量
func (m *MockClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// NextDeadline 返回最早到期定时器距当前的时长
func (m *MockClock) NextDeadline() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.timers) == 0 {
		return 0, false
	}
	earliest := m.timers[0].when
	for _, t := range m.timers[1:] {
		if t.when.Before(earliest) {
			earliest = t.when
		}
	}
	return earliest.Sub(m.now), true
}
