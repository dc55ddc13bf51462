// Package stats 事件处理统计与连接健康判定
//
// Aggregator 独占 ProcessingStats，其他组件只读取快照。
// 统计只在显式 Reset 时清零。
package stats

import (
	"sync"
	"time"

	"opsdash/internal/clock"
	"opsdash/internal/sync/event"
)

const (
	DefaultRecentErrors       = 50
	DefaultErrorRateThreshold = 0.1
	DefaultRTTThreshold       = time.Second
)

// KindStats 单个事件类型的统计
type KindStats struct {
	Processed       uint64  `json:"processed"`
	Errors          uint64  `json:"errors"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`

	timed uint64 // 参与平均值计算的样本数
}

// Snapshot 统计快照
type Snapshot struct {
	TotalProcessed  uint64                   `json:"totalProcessed"`
	TotalErrors     uint64                   `json:"totalErrors"`
	AvgProcessingMs float64                  `json:"avgProcessingMs"`
	ByKind          map[event.Kind]KindStats `json:"byKind"`
	Rejected        map[event.Reason]uint64  `json:"rejected,omitempty"`
	StartedAt       time.Time                `json:"startedAt"`
}

// ErrorRate totalErrors / max(totalProcessed, 1)
func (s Snapshot) ErrorRate() float64 {
	n := s.TotalProcessed
	if n == 0 {
		n = 1
	}
	return float64(s.TotalErrors) / float64(n)
}

// ErrorRecord 最近错误记录
type ErrorRecord struct {
	Kind    event.Kind     `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	At      time.Time      `json:"at"`
}

// Config 统计配置
type Config struct {
	RecentErrors       int
	ErrorRateThreshold float64
	RTTThreshold       time.Duration
}

// Aggregator 处理统计聚合器
type Aggregator struct {
	cfg      Config
	clock    clock.Clock
	exporter *Exporter

	mu        sync.RWMutex
	processed uint64
	errors    uint64
	timed     uint64
	avgMs     float64
	byKind    map[event.Kind]*KindStats
	rejected  map[event.Reason]uint64
	recent    []ErrorRecord
	startedAt time.Time
}

// NewAggregator 创建聚合器，exporter 可为 nil
func NewAggregator(cfg Config, clk clock.Clock, exporter *Exporter) *Aggregator {
	if cfg.RecentErrors <= 0 {
		cfg.RecentErrors = DefaultRecentErrors
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if cfg.RTTThreshold <= 0 {
		cfg.RTTThreshold = DefaultRTTThreshold
	}
	if clk == nil {
		clk = clock.Real{}
	}
	a := &Aggregator{cfg: cfg, clock: clk, exporter: exporter}
	a.resetLocked()
	return a
}

// RecordSuccess 记录一次成功处理，更新累计移动平均耗时
func (a *Aggregator) RecordSuccess(kind event.Kind, elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)

	a.mu.Lock()
	a.processed++
	a.timed++
	a.avgMs += (ms - a.avgMs) / float64(a.timed)

	ks := a.kindLocked(kind)
	ks.Processed++
	ks.timed++
	ks.AvgProcessingMs += (ms - ks.AvgProcessingMs) / float64(ks.timed)
	a.mu.Unlock()

	a.exporter.observeSuccess(kind, elapsed)
}

// RecordFailure 记录一次处理失败
//
// 失败的事件同样计入 processed，错误率因此落在 [0, 1]；失败不参与平均耗时。
func (a *Aggregator) RecordFailure(kind event.Kind, err error, context map[string]any) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	a.mu.Lock()
	a.processed++
	a.errors++
	ks := a.kindLocked(kind)
	ks.Processed++
	ks.Errors++

	a.recent = append(a.recent, ErrorRecord{Kind: kind, Message: msg, Context: context, At: a.clock.Now()})
	if over := len(a.recent) - a.cfg.RecentErrors; over > 0 {
		a.recent = append([]ErrorRecord(nil), a.recent[over:]...)
	}
	a.mu.Unlock()

	a.exporter.observeFailure(kind)
}

// RecordRejected 记录一次信封校验拒绝（不计入处理统计）
func (a *Aggregator) RecordRejected(reason event.Reason) {
	a.mu.Lock()
	a.rejected[reason]++
	a.mu.Unlock()

	a.exporter.observeRejected(reason)
}

// Snapshot 返回统计快照
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		TotalProcessed:  a.processed,
		TotalErrors:     a.errors,
		AvgProcessingMs: a.avgMs,
		ByKind:          make(map[event.Kind]KindStats, len(a.byKind)),
		Rejected:        make(map[event.Reason]uint64, len(a.rejected)),
		StartedAt:       a.startedAt,
	}
	for k, v := range a.byKind {
		snap.ByKind[k] = *v
	}
	for r, n := range a.rejected {
		snap.Rejected[r] = n
	}
	return snap
}

// RecentErrors 返回最近错误（从旧到新）
func (a *Aggregator) RecentErrors() []ErrorRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ErrorRecord, len(a.recent))
	copy(out, a.recent)
	return out
}

// Reset 清零统计（仅运维操作调用）
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Aggregator) resetLocked() {
	a.processed = 0
	a.errors = 0
	a.timed = 0
	a.avgMs = 0
	a.byKind = make(map[event.Kind]*KindStats)
	a.rejected = make(map[event.Reason]uint64)
	a.recent = nil
	a.startedAt = a.clock.Now()
}

func (a *Aggregator) kindLocked(kind event.Kind) *KindStats {
	ks, ok := a.byKind[kind]
	if !ok {
		ks = &KindStats{}
		a.byKind[kind] = ks
	}
	return ks
}

// ============================================================================
// 健康判定
// ============================================================================

// HealthReport 连接健康报告
type HealthReport struct {
	Healthy   bool          `json:"healthy"`
	Connected bool          `json:"connected"`
	ErrorRate float64       `json:"errorRate"`
	RTT       time.Duration `json:"rtt"`
	Reasons   []string      `json:"reasons,omitempty"`
}

// Health 派生健康状态：已连接 且 错误率低于阈值 且 RTT 低于阈值
func (a *Aggregator) Health(connected bool, rtt time.Duration) HealthReport {
	rate := a.Snapshot().ErrorRate()

	report := HealthReport{Connected: connected, ErrorRate: rate, RTT: rtt}
	if !connected {
		report.Reasons = append(report.Reasons, "not connected")
	}
	if rate >= a.cfg.ErrorRateThreshold {
		report.Reasons = append(report.Reasons, "error rate above threshold")
	}
	if rtt >= a.cfg.RTTThreshold {
		report.Reasons = append(report.Reasons, "round trip time above threshold")
	}
	report.Healthy = len(report.Reasons) == 0
	return report
}
