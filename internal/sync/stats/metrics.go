package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"opsdash/internal/sync/event"
)

// Exporter 同步管道的 Prometheus 指标
//
// 所有方法对 nil 接收者安全，未启用指标时直接传 nil。
type Exporter struct {
	// 事件处理指标
	EventsProcessed    *prometheus.CounterVec
	EventsFailed       *prometheus.CounterVec
	EventsRejected     *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	// 批处理指标
	BatchFlushes *prometheus.CounterVec
	BatchSize    prometheus.Histogram

	// 连接指标
	ConnectionState   *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	HeartbeatRTT      prometheus.Histogram

	// 诊断缓冲区
	BufferedEvents prometheus.Gauge
}

// NewExporter 在 reg 上注册指标
func NewExporter(reg prometheus.Registerer, namespace string) *Exporter {
	f := promauto.With(reg)
	return &Exporter{
		EventsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Events successfully processed by kind",
			},
			[]string{"kind"},
		),
		EventsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_failed_total",
				Help:      "Events whose handler failed by kind",
			},
			[]string{"kind"},
		),
		EventsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Inbound messages rejected by envelope validation",
			},
			[]string{"reason"},
		),
		ProcessingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_processing_seconds",
				Help:      "Event handler duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"kind"},
		),
		BatchFlushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_flushes_total",
				Help:      "Batch flushes by trigger",
			},
			[]string{"trigger"},
		),
		BatchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of events per flushed batch",
				Buckets:   []float64{1, 2, 5, 10, 20, 50},
			},
		),
		ConnectionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		ReconnectAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Scheduled reconnect attempts",
			},
		),
		HeartbeatRTT: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "heartbeat_rtt_seconds",
				Help:      "Heartbeat round trip time in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		BufferedEvents: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_events",
				Help:      "Raw events retained in the diagnostics buffer",
			},
		),
	}
}

func (e *Exporter) observeSuccess(kind event.Kind, elapsed time.Duration) {
	if e == nil {
		return
	}
	e.EventsProcessed.WithLabelValues(string(kind)).Inc()
	e.ProcessingDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (e *Exporter) observeFailure(kind event.Kind) {
	if e == nil {
		return
	}
	e.EventsFailed.WithLabelValues(string(kind)).Inc()
}

func (e *Exporter) observeRejected(reason event.Reason) {
	if e == nil {
		return
	}
	e.EventsRejected.WithLabelValues(string(reason)).Inc()
}

// RecordFlush 记录一次批次刷新
func (e *Exporter) RecordFlush(trigger string, size int) {
	if e == nil {
		return
	}
	e.BatchFlushes.WithLabelValues(trigger).Inc()
	e.BatchSize.Observe(float64(size))
}

// SetConnectionState 将当前状态置 1，其余状态置 0
func (e *Exporter) SetConnectionState(current string, all []string) {
	if e == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		e.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect 记录一次重连调度
func (e *Exporter) RecordReconnect() {
	if e == nil {
		return
	}
	e.ReconnectAttempts.Inc()
}

// RecordRTT 记录心跳往返时间
func (e *Exporter) RecordRTT(rtt time.Duration) {
	if e == nil {
		return
	}
	e.HeartbeatRTT.Observe(rtt.Seconds())
}

// SetBuffered 更新诊断缓冲区条数
func (e *Exporter) SetBuffered(n int) {
	if e == nil {
		return
	}
	e.BufferedEvents.Set(float64(n))
}
