package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"opsdash/internal/state"
	"opsdash/internal/sync/event"
	"opsdash/internal/sync/notify"
)

// ============================================================================
// progress-update
// ============================================================================

// ClampProgress 将进度限制在 [0, 100]
func ClampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func (d *Dispatcher) handleProgress(p event.ProgressUpdate) error {
	if p.EntityID == "" {
		return missing(event.KindProgressUpdate, "entityId")
	}
	if p.Progress == nil {
		return missing(event.KindProgressUpdate, "progress")
	}

	d.store.ApplyProgress(p.EntityID, ClampProgress(*p.Progress), state.ProgressExtra{
		Message: p.Message,
		Stage:   p.Stage,
	})
	return nil
}

// ============================================================================
// status-change
// ============================================================================

func (d *Dispatcher) handleStatusChange(ctx context.Context, ev event.Event, p event.StatusChange) error {
	if p.EntityID == "" {
		return missing(event.KindStatusChange, "entityId")
	}
	if p.NewStatus == "" {
		return missing(event.KindStatusChange, "newStatus")
	}

	var kind state.EntityKind
	switch p.EntityKind {
	case event.EntityWorkflow:
		kind = state.KindWorkflow
	case event.EntityAgent:
		kind = state.KindAgent
	case "":
		return missing(event.KindStatusChange, "entityKind")
	default:
		return invalid(event.KindStatusChange, "entityKind", "%q", p.EntityKind)
	}

	d.store.ApplyStatusChange(state.StatusChange{
		EntityID:       p.EntityID,
		Kind:           kind,
		NewStatus:      p.NewStatus,
		PreviousStatus: p.PreviousStatus,
		Reason:         p.Reason,
		Metadata:       p.Metadata,
		At:             ev.Time(),
	})

	switch p.NewStatus {
	case "failed":
		msg := p.Reason
		if msg == "" {
			msg = fmt.Sprintf("%s %s failed", kind, p.EntityID)
		}
		d.notifier.Notify(ctx, notify.New(notify.LevelError, fmt.Sprintf("%s failed", titleKind(kind)), msg).
			WithSource(string(ev.Kind), p.EntityID))
	case "completed":
		d.notifier.Notify(ctx, notify.New(notify.LevelSuccess, fmt.Sprintf("%s completed", titleKind(kind)),
			fmt.Sprintf("%s %s completed", kind, p.EntityID)).
			WithSource(string(ev.Kind), p.EntityID))
	}
	return nil
}

func titleKind(k state.EntityKind) string {
	if k == state.KindAgent {
		return "Agent"
	}
	return "Workflow"
}

// ============================================================================
// result-added
// ============================================================================

func (d *Dispatcher) handleResult(ctx context.Context, p event.ResultAdded) error {
	if p.EntityID == "" {
		return missing(event.KindResultAdded, "entityId")
	}
	result := bytes.TrimSpace(p.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return missing(event.KindResultAdded, "result")
	}
	if result[0] != '{' && result[0] != '[' {
		return invalid(event.KindResultAdded, "result", "must be an object or array")
	}

	d.store.AppendResult(p.EntityID, json.RawMessage(result), p.IsComplete)

	if p.IsComplete {
		d.notifier.Notify(ctx, notify.New(notify.LevelSuccess, "Result ready",
			fmt.Sprintf("%s produced its final result", p.EntityID)).
			WithSource(string(event.KindResultAdded), p.EntityID))
	}
	return nil
}

// ============================================================================
// error-raised
// ============================================================================

// severityLevel critical/high → error，medium → warning，low → info
func severityLevel(s event.Severity) notify.Level {
	switch s {
	case event.SeverityCritical, event.SeverityHigh:
		return notify.LevelError
	case event.SeverityMedium:
		return notify.LevelWarning
	}
	return notify.LevelInfo
}

func (d *Dispatcher) handleError(ctx context.Context, ev event.Event, p event.ErrorRaised) error {
	if p.Message == "" {
		return missing(event.KindErrorRaised, "message")
	}
	if p.Severity == "" {
		return missing(event.KindErrorRaised, "severity")
	}
	if !p.Severity.Valid() {
		return invalid(event.KindErrorRaised, "severity", "%q", p.Severity)
	}

	title := "Error reported"
	if p.Code != "" {
		title = fmt.Sprintf("Error %s", p.Code)
	}
	n := notify.New(severityLevel(p.Severity), title, p.Message).WithSource(string(ev.Kind), p.EntityID)
	if p.Severity == event.SeverityCritical && !p.Recoverable() {
		n = n.WithPersistent()
	}
	d.notifier.Notify(ctx, n)

	if p.EntityID != "" {
		d.store.AppendLog(p.EntityID, state.LogEntry{
			Level:     "error",
			Message:   p.Message,
			Timestamp: ev.Timestamp,
		})
	}
	return nil
}

// ============================================================================
// metric-batch
// ============================================================================

type rawMetric struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
	Unit  string          `json:"unit"`
	Trend string          `json:"trend"`
}

// parseMetric 解析单条指标，名称缺失或值非数字时返回 false
func parseMetric(raw json.RawMessage) (state.Metric, bool) {
	var m rawMetric
	if err := json.Unmarshal(raw, &m); err != nil || m.Name == "" {
		return state.Metric{}, false
	}
	v := bytes.TrimSpace(m.Value)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return state.Metric{}, false
	}
	var value float64
	if err := json.Unmarshal(v, &value); err != nil {
		return state.Metric{}, false
	}
	return state.Metric{Name: m.Name, Value: value, Unit: m.Unit, Trend: m.Trend}, true
}

func (d *Dispatcher) handleMetrics(ev event.Event, p event.MetricBatch) error {
	if len(p.Metrics) == 0 {
		return &HandlerError{Kind: event.KindMetricBatch, Field: "metrics", Err: ErrNoValidMetrics}
	}

	at := ev.Time()
	valid := make([]state.Metric, 0, len(p.Metrics))
	for _, raw := range p.Metrics {
		m, ok := parseMetric(raw)
		if !ok {
			continue
		}
		if !at.IsZero() {
			m.At = at
		}
		valid = append(valid, m)
	}

	if dropped := len(p.Metrics) - len(valid); dropped > 0 {
		d.logger.Debug("Dropped malformed metrics", "dropped", dropped, "total", len(p.Metrics))
	}
	if len(valid) == 0 {
		return &HandlerError{Kind: event.KindMetricBatch, Field: "metrics", Err: ErrNoValidMetrics}
	}

	d.store.RecordMetricBatch(valid)
	return nil
}

// ============================================================================
// log-appended
// ============================================================================

func (d *Dispatcher) handleLog(ev event.Event, p event.LogAppended) error {
	if p.EntityID == "" {
		return missing(event.KindLogAppended, "entityId")
	}
	if p.LogEntry == nil {
		return missing(event.KindLogAppended, "logEntry")
	}
	if p.LogEntry.Message == "" {
		return missing(event.KindLogAppended, "logEntry.message")
	}

	entry := state.LogEntry{
		Level:     p.LogEntry.Level,
		Message:   p.LogEntry.Message,
		Timestamp: p.LogEntry.Timestamp,
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	if entry.Timestamp == "" {
		entry.Timestamp = ev.Timestamp
	}

	d.store.AppendLog(p.EntityID, entry)
	return nil
}
