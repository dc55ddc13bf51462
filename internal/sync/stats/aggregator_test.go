package stats

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdash/internal/clock"
	"opsdash/internal/sync/event"
)

func newTestAggregator(exp *Exporter) *Aggregator {
	return NewAggregator(Config{}, clock.NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)), exp)
}

func TestAggregator_MovingAverage(t *testing.T) {
	a := newTestAggregator(nil)

	a.RecordSuccess(event.KindProgressUpdate, 10*time.Millisecond)
	a.RecordSuccess(event.KindProgressUpdate, 20*time.Millisecond)
	a.RecordSuccess(event.KindLogAppended, 30*time.Millisecond)

	snap := a.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalProcessed)
	assert.Equal(t, uint64(0), snap.TotalErrors)
	assert.InDelta(t, 20.0, snap.AvgProcessingMs, 1e-9)
	assert.InDelta(t, 15.0, snap.ByKind[event.KindProgressUpdate].AvgProcessingMs, 1e-9)
	assert.Equal(t, uint64(2), snap.ByKind[event.KindProgressUpdate].Processed)
	assert.Equal(t, uint64(1), snap.ByKind[event.KindLogAppended].Processed)
}

func TestAggregator_FailureCounts(t *testing.T) {
	a := newTestAggregator(nil)

	a.RecordSuccess(event.KindMetricBatch, time.Millisecond)
	a.RecordFailure(event.KindMetricBatch, errors.New("no valid metrics"), map[string]any{"count": 0})

	snap := a.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalProcessed)
	assert.Equal(t, uint64(1), snap.TotalErrors)
	assert.Equal(t, uint64(1), snap.ByKind[event.KindMetricBatch].Errors)
	assert.InDelta(t, 1.0, snap.AvgProcessingMs, 1e-9)
	assert.InDelta(t, 0.5, snap.ErrorRate(), 1e-9)

	recent := a.RecentErrors()
	require.Len(t, recent, 1)
	assert.Equal(t, "no valid metrics", recent[0].Message)
	assert.Equal(t, event.KindMetricBatch, recent[0].Kind)
}

func TestAggregator_RecentErrorsBounded(t *testing.T) {
	a := newTestAggregator(nil)

	for i := 0; i < 60; i++ {
		a.RecordFailure(event.KindStatusChange, fmt.Errorf("err-%d", i), nil)
	}

	recent := a.RecentErrors()
	require.Len(t, recent, DefaultRecentErrors)
	assert.Equal(t, "err-10", recent[0].Message)
	assert.Equal(t, "err-59", recent[len(recent)-1].Message)
}

func TestAggregator_RejectedNotCounted(t *testing.T) {
	a := newTestAggregator(nil)

	a.RecordRejected(event.ReasonUnknownKind)
	snap := a.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalProcessed)
	assert.Equal(t, uint64(0), snap.TotalErrors)
	assert.Equal(t, uint64(1), snap.Rejected[event.ReasonUnknownKind])
}

func TestAggregator_Reset(t *testing.T) {
	a := newTestAggregator(nil)
	a.RecordSuccess(event.KindProgressUpdate, time.Millisecond)
	a.RecordFailure(event.KindProgressUpdate, errors.New("x"), nil)

	a.Reset()
	snap := a.Snapshot()
	assert.Zero(t, snap.TotalProcessed)
	assert.Zero(t, snap.TotalErrors)
	assert.Empty(t, snap.ByKind)
	assert.Empty(t, a.RecentErrors())
}

func TestAggregator_Health(t *testing.T) {
	a := newTestAggregator(nil)

	h := a.Health(true, 50*time.Millisecond)
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Reasons)

	h = a.Health(false, 50*time.Millisecond)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Reasons, "not connected")

	h = a.Health(true, 1500*time.Millisecond)
	assert.False(t, h.Healthy)

	for i := 0; i < 9; i++ {
		a.RecordSuccess(event.KindProgressUpdate, time.Millisecond)
	}
	a.RecordFailure(event.KindProgressUpdate, errors.New("x"), nil)
	h = a.Health(true, 10*time.Millisecond)
	assert.False(t, h.Healthy, "error rate 0.1 is not below threshold")
	assert.InDelta(t, 0.1, h.ErrorRate, 1e-9)
}

func TestExporter_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	exp := NewExporter(reg, "test")
	a := newTestAggregator(exp)

	a.RecordSuccess(event.KindProgressUpdate, time.Millisecond)
	a.RecordFailure(event.KindLogAppended, errors.New("x"), nil)
	a.RecordRejected(event.ReasonParse)
	exp.RecordFlush("size", 10)
	exp.SetConnectionState("connected", []string{"disconnected", "connected"})

	assert.Equal(t, 1.0, testutil.ToFloat64(exp.EventsProcessed.WithLabelValues("progress-update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.EventsFailed.WithLabelValues("log-appended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.EventsRejected.WithLabelValues("parse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.BatchFlushes.WithLabelValues("size")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.ConnectionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(exp.ConnectionState.WithLabelValues("disconnected")))

	var nilExp *Exporter
	assert.NotPanics(t, func() { nilExp.RecordFlush("size", 1) })
}
