// Package diag 同步会话的诊断 HTTP 接口
//
// 路由：
//   - GET    /healthz                         健康状态（不健康时 503）
//   - GET    /api/v1/sync/status              连接状态
//   - POST   /api/v1/sync/connect             人工重连（error 状态下的 Retry）
//   - POST   /api/v1/sync/disconnect          主动断开
//   - GET    /api/v1/sync/stats               处理统计与最近错误
//   - DELETE /api/v1/sync/stats               重置统计
//   - GET    /api/v1/sync/buffer              诊断缓冲区（?kind= &rejected=true）
//   - DELETE /api/v1/sync/buffer              清空缓冲区
//   - POST   /api/v1/sync/buffer/archive      归档缓冲区
//   - POST   /api/v1/sync/buffer/replay       重放缓冲区（?kind= 可重复）
//   - GET    /api/v1/sync/subscriptions       订阅列表
//   - POST   /api/v1/sync/subscriptions       新增订阅
//   - DELETE /api/v1/sync/subscriptions       取消订阅
//   - GET    /api/v1/state/entities           实体列表（?kind=workflow|agent）
//   - GET    /api/v1/state/entities/{id}      实体详情、日志与状态历史
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"opsdash/internal/state"
	"opsdash/internal/sync/connection"
	"opsdash/internal/sync/dispatch"
	"opsdash/internal/sync/event"
	"opsdash/internal/sync/pipeline"
	"opsdash/internal/sync/stats"
	"opsdash/internal/sync/subscription"
	"opsdash/pkg/logging"
)

// Session 诊断接口所需的会话操作
type Session interface {
	Status() connection.Status
	Connect(ctx context.Context) error
	Disconnect()
	Stats() stats.Snapshot
	RecentErrors() []stats.ErrorRecord
	Health() stats.HealthReport
	ResetStats()
	Buffer() []event.BufferedEvent
	ClearBuffer()
	ArchiveBuffer(ctx context.Context) (string, error)
	Replay(ctx context.Context, kinds ...event.Kind) dispatch.BatchResult
	Subscribe(ctx context.Context, kind event.Kind, filter map[string]any) (bool, error)
	Unsubscribe(ctx context.Context, kind event.Kind, filter map[string]any) bool
	Subscriptions() []subscription.Subscription
}

// StateReader 领域状态只读视图
type StateReader interface {
	Entity(id string) (state.Entity, bool)
	Entities(kind state.EntityKind) []state.Entity
	Logs(id string) []state.LogEntry
	StatusHistory(id string) []state.StatusChange
	Results(id string) []state.Result
}

var (
	_ Session     = (*pipeline.Pipeline)(nil)
	_ StateReader = (*state.Memory)(nil)
)

// Handler 诊断 HTTP 处理器
type Handler struct {
	session Session
	state   StateReader
	logger  *logging.Logger
}

// NewHandler 创建处理器，reader 为 nil 时不注册状态路由
func NewHandler(session Session, reader StateReader, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default("diag")
	}
	return &Handler{session: session, state: reader, logger: logger}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/v1/sync/status", h.Status)
	mux.HandleFunc("POST /api/v1/sync/connect", h.Connect)
	mux.HandleFunc("POST /api/v1/sync/disconnect", h.Disconnect)
	mux.HandleFunc("GET /api/v1/sync/stats", h.Stats)
	mux.HandleFunc("DELETE /api/v1/sync/stats", h.ResetStats)
	mux.HandleFunc("GET /api/v1/sync/buffer", h.Buffer)
	mux.HandleFunc("DELETE /api/v1/sync/buffer", h.ClearBuffer)
	mux.HandleFunc("POST /api/v1/sync/buffer/archive", h.Archive)
	mux.HandleFunc("POST /api/v1/sync/buffer/replay", h.Replay)
	mux.HandleFunc("GET /api/v1/sync/subscriptions", h.ListSubscriptions)
	mux.HandleFunc("POST /api/v1/sync/subscriptions", h.Subscribe)
	mux.HandleFunc("DELETE /api/v1/sync/subscriptions", h.Unsubscribe)
	if h.state != nil {
		mux.HandleFunc("GET /api/v1/state/entities", h.ListEntities)
		mux.HandleFunc("GET /api/v1/state/entities/{id}", h.GetEntity)
	}
}

// ============================================================================
// 连接与健康
// ============================================================================

// Health GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.session.Health()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Status GET /api/v1/sync/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status())
}

// Connect POST /api/v1/sync/connect
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Connect(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Manual connect failed")
		status := http.StatusBadGateway
		if errors.Is(err, pipeline.ErrClosed) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.session.Status())
}

// Disconnect POST /api/v1/sync/disconnect
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.session.Disconnect()
	writeJSON(w, http.StatusOK, h.session.Status())
}

// ============================================================================
// 统计
// ============================================================================

type statsResponse struct {
	stats.Snapshot
	RecentErrors []stats.ErrorRecord `json:"recentErrors"`
}

// Stats GET /api/v1/sync/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{Snapshot: h.session.Stats(), RecentErrors: h.session.RecentErrors()})
}

// ResetStats DELETE /api/v1/sync/stats
func (h *Handler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.session.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// 缓冲区
// ============================================================================

// Buffer GET /api/v1/sync/buffer
func (h *Handler) Buffer(w http.ResponseWriter, r *http.Request) {
	kind := event.Kind(r.URL.Query().Get("kind"))
	rejectedOnly := r.URL.Query().Get("rejected") == "true"

	events := h.session.Buffer()
	out := make([]event.BufferedEvent, 0, len(events))
	for _, be := range events {
		if kind != "" && be.Kind != kind {
			continue
		}
		if rejectedOnly && be.Valid() {
			continue
		}
		out = append(out, be)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

// ClearBuffer DELETE /api/v1/sync/buffer
func (h *Handler) ClearBuffer(w http.ResponseWriter, r *http.Request) {
	h.session.ClearBuffer()
	w.WriteHeader(http.StatusNoContent)
}

// Archive POST /api/v1/sync/buffer/archive
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	location, err := h.session.ArchiveBuffer(r.Context())
	if errors.Is(err, pipeline.ErrNoArchive) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Archive failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"location": location})
}

// Replay POST /api/v1/sync/buffer/replay
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	var kinds []event.Kind
	for _, k := range r.URL.Query()["kind"] {
		kind := event.Kind(k)
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, "unknown kind: "+k)
			return
		}
		kinds = append(kinds, kind)
	}
	writeJSON(w, http.StatusOK, h.session.Replay(r.Context(), kinds...))
}

// ============================================================================
// 订阅
// ============================================================================

type subscriptionRequest struct {
	Kind   event.Kind     `json:"kind"`
	Filter map[string]any `json:"filter,omitempty"`
}

// ListSubscriptions GET /api/v1/sync/subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Subscriptions())
}

// Subscribe POST /api/v1/sync/subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	added, err := h.session.Subscribe(r.Context(), req.Kind, req.Filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"added": added})
}

// Unsubscribe DELETE /api/v1/sync/subscriptions
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.session.Unsubscribe(r.Context(), req.Kind, req.Filter) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// 领域状态
// ============================================================================

// ListEntities GET /api/v1/state/entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Entities(state.EntityKind(r.URL.Query().Get("kind"))))
}

type entityResponse struct {
	state.Entity
	Logs    []state.LogEntry     `json:"logs"`
	History []state.StatusChange `json:"history"`
	Results []state.Result       `json:"resultList"`
}

// GetEntity GET /api/v1/state/entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := h.state.Entity(id)
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, entityResponse{
		Entity:  e,
		Logs:    h.state.Logs(id),
		History: h.state.StatusHistory(id),
		Results: h.state.Results(id),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
