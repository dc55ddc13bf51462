package eventserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"opsdash/internal/snapshot"
	"opsdash/internal/state"
	"opsdash/internal/sync/event"
)

var (
	workflowStatuses = []string{"pending", "running", "paused", "completed", "failed"}
	agentStatuses    = []string{"idle", "busy", "offline"}
	logLevels        = []string{"debug", "info", "warn", "error"}
	metricNames      = []string{"cpu", "memory", "queue_depth", "throughput"}
	stages           = []string{"fetch", "plan", "execute", "report"}
)

// Generator 生成合成事件，同时维护一份与事件一致的实体状态用于快照接口
type Generator struct {
	sessionID string
	userID    string

	mu        sync.Mutex
	rng       *rand.Rand
	workflows []*state.Entity
	agents    []*state.Entity
}

// NewGenerator 创建生成器，seed 相同则事件序列相同
func NewGenerator(sessionID, userID string, workflows, agents int, seed uint64) *Generator {
	g := &Generator{
		sessionID: sessionID,
		userID:    userID,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for i := 0; i < workflows; i++ {
		g.workflows = append(g.workflows, &state.Entity{
			ID: fmt.Sprintf("wf-%d", i+1), Kind: state.KindWorkflow,
			Name: fmt.Sprintf("workflow %d", i+1), Status: "pending",
		})
	}
	for i := 0; i < agents; i++ {
		g.agents = append(g.agents, &state.Entity{
			ID: fmt.Sprintf("agent-%d", i+1), Kind: state.KindAgent,
			Name: fmt.Sprintf("agent %d", i+1), Status: "idle",
		})
	}
	return g
}

// Next 生成下一条事件
func (g *Generator) Next(now time.Time) event.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	kinds := event.Kinds()
	kind := kinds[g.rng.IntN(len(kinds))]
	if len(g.workflows) == 0 && kind != event.KindMetricBatch {
		kind = event.KindMetricBatch
	}
	return event.Event{
		Kind:      kind,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		SessionID: g.sessionID,
		UserID:    g.userID,
		Data:      g.payloadLocked(kind, now),
	}
}

// NextRaw 生成下一条事件的 JSON
func (g *Generator) NextRaw(now time.Time) ([]byte, error) {
	return json.Marshal(g.Next(now))
}

func (g *Generator) payloadLocked(kind event.Kind, now time.Time) event.Payload {
	var wf *state.Entity
	if len(g.workflows) > 0 {
		wf = g.workflows[g.rng.IntN(len(g.workflows))]
	}

	switch kind {
	case event.KindProgressUpdate:
		p := wf.Progress + float64(g.rng.IntN(15)+1)
		if p > 100 {
			p = 100
		}
		wf.Progress = p
		wf.Stage = stages[g.rng.IntN(len(stages))]
		return event.ProgressUpdate{EntityID: wf.ID, Progress: &p, Stage: wf.Stage}

	case event.KindStatusChange:
		target, statuses, ek := wf, workflowStatuses, event.EntityWorkflow
		if len(g.agents) > 0 && g.rng.IntN(2) == 0 {
			target, statuses, ek = g.agents[g.rng.IntN(len(g.agents))], agentStatuses, event.EntityAgent
		}
		prev := target.Status
		target.Status = statuses[g.rng.IntN(len(statuses))]
		return event.StatusChange{EntityID: target.ID, EntityKind: ek, NewStatus: target.Status, PreviousStatus: prev}

	case event.KindResultAdded:
		wf.Results++
		complete := wf.Progress >= 100
		wf.Completed = wf.Completed || complete
		result, _ := json.Marshal(map[string]any{"index": wf.Results, "at": now.UTC().Format(time.RFC3339)})
		return event.ResultAdded{EntityID: wf.ID, Result: result, IsComplete: complete}

	case event.KindErrorRaised:
		recoverable := g.rng.IntN(4) != 0
		sev := []event.Severity{event.SeverityLow, event.SeverityMedium, event.SeverityHigh, event.SeverityCritical}[g.rng.IntN(4)]
		return event.ErrorRaised{EntityID: wf.ID, Message: "synthetic failure in " + wf.ID, Severity: sev, IsRecoverable: &recoverable}

	case event.KindLogAppended:
		return event.LogAppended{EntityID: wf.ID, LogEntry: &event.LogEntry{
			Level:     logLevels[g.rng.IntN(len(logLevels))],
			Message:   fmt.Sprintf("%s step %d", wf.ID, g.rng.IntN(1000)),
			Timestamp: now.UTC().Format(time.RFC3339Nano),
		}}
	}

	metrics := make([]json.RawMessage, 0, len(metricNames))
	for _, name := range metricNames {
		m, _ := json.Marshal(map[string]any{"name": name, "value": g.rng.Float64() * 100, "unit": "%"})
		metrics = append(metrics, m)
	}
	return event.MetricBatch{Metrics: metrics}
}

// Snapshot 当前实体状态
func (g *Generator) Snapshot() snapshot.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	var s snapshot.Snapshot
	for _, e := range g.workflows {
		s.Workflows = append(s.Workflows, *e)
	}
	for _, e := range g.agents {
		s.Agents = append(s.Agents, *e)
	}
	return s
}

// SnapshotHandler 以 JSON 返回 Snapshot
func (g *Generator) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(g.Snapshot())
	})
}

// Run 每隔 interval 向 s 广播一条事件，直到 ctx 结束
func (g *Generator) Run(ctx context.Context, s *Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			raw, err := g.NextRaw(now)
			if err != nil {
				s.logger.WithError(err).Warn("Marshal synthetic event failed")
				continue
			}
			s.Broadcast(raw)
		}
	}
}
