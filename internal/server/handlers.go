package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/npcflow/config"
	"github.com/BaSui01/npcflow/types"
)

// Dialogue 桥接层需要的协调器能力。*dialogue.Coordinator 满足该接口。
type Dialogue interface {
	StartDialogue(ctx context.Context, callerID, targetID string) (string, error)
	SubmitChoice(ctx context.Context, callerID, conversationID string, option types.DialogueOption) error
	HasActiveDialogue(callerID string) bool
	EndDialogue(callerID string) bool
}

// Server 对话 API 的 HTTP 处理器集合。
// 它同时实现 dialogue.Listener：异步到达的更新先进入一次性 waiter，
// 对应的 HTTP 请求在有界等待内取走它。
type Server struct {
	coordinator Dialogue
	health      func(ctx context.Context) error
	logger      *zap.Logger
	resultWait  time.Duration
	retention   time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	ch      chan types.DialogueUpdate
	created time.Time
}

// NewServer 创建处理器集合。health 可为 nil（/health 恒为 ok）。
func NewServer(coordinator Dialogue, health func(ctx context.Context) error, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	resultWait := cfg.ResultWait
	if resultWait <= 0 {
		resultWait = 10 * time.Second
	}
	// 未被取走的缓冲结果至少保留这么久，供 /dialogue/result 轮询
	retention := 2 * resultWait
	if retention < 5*time.Second {
		retention = 5 * time.Second
	}
	return &Server{
		coordinator: coordinator,
		health:      health,
		logger:      logger.With(zap.String("component", "api")),
		resultWait:  resultWait,
		retention:   retention,
		waiters:     make(map[string]*waiter),
	}
}

// SetCoordinator 注入协调器。
// 桥接层同时是协调器的 Listener，两者相互引用，装配时后注入。
func (s *Server) SetCoordinator(coordinator Dialogue) {
	s.coordinator = coordinator
}

// Routes 构建路由表。
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /dialogue/start", s.handleStart)
	mux.HandleFunc("POST /dialogue/choose", s.handleChoose)
	mux.HandleFunc("GET /dialogue/result", s.handleResult)
	mux.HandleFunc("GET /dialogue/active", s.handleActive)
	mux.HandleFunc("POST /dialogue/end", s.handleEnd)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// OnUpdate 实现 dialogue.Listener。
// 更新送入会话 id 对应的一次性 waiter；没人等待时缓冲，
// 供 GET /dialogue/result 轮询取走，逾期由清扫回收。
func (s *Server) OnUpdate(update types.DialogueUpdate) {
	w := s.waiter(update.ConversationID)
	select {
	case w.ch <- update:
	default:
	}
}

// waiter 原子地取得或创建会话 id 的 waiter，并顺手清理陈旧项。
func (s *Server) waiter(conversationID string) *waiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.retention)
	for id, w := range s.waiters {
		if w.created.Before(cutoff) {
			delete(s.waiters, id)
		}
	}

	w, ok := s.waiters[conversationID]
	if !ok {
		w = &waiter{ch: make(chan types.DialogueUpdate, 1), created: time.Now()}
		s.waiters[conversationID] = w
	}
	return w
}

func (s *Server) dropWaiter(conversationID string) {
	s.mu.Lock()
	delete(s.waiters, conversationID)
	s.mu.Unlock()
}

// awaitUpdate 有界等待一条更新。超时返回 false，不是错误。
func (s *Server) awaitUpdate(ctx context.Context, conversationID string) (types.DialogueUpdate, bool) {
	w := s.waiter(conversationID)
	defer s.dropWaiter(conversationID)

	timer := time.NewTimer(s.resultWait)
	defer timer.Stop()
	select {
	case update := <-w.ch:
		return update, true
	case <-timer.C:
		return types.DialogueUpdate{}, false
	case <-ctx.Done():
		return types.DialogueUpdate{}, false
	}
}

// =============================================================================
// 🎯 对话端点
// =============================================================================

type startRequest struct {
	CallerID string `json:"caller_id"`
	TargetID string `json:"target_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.NewError(types.ErrInvalidRequest, "invalid JSON body"))
		return
	}

	conversationID, err := s.coordinator.StartDialogue(r.Context(), req.CallerID, req.TargetID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if update, ok := s.awaitUpdate(r.Context(), conversationID); ok {
		writeJSON(w, http.StatusOK, update)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"conversation_id": conversationID,
		"status":          "pending",
	})
}

type chooseRequest struct {
	CallerID       string               `json:"caller_id"`
	ConversationID string               `json:"conversation_id"`
	Option         types.DialogueOption `json:"option"`
}

func (s *Server) handleChoose(w http.ResponseWriter, r *http.Request) {
	var req chooseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.NewError(types.ErrInvalidRequest, "invalid JSON body"))
		return
	}

	err := s.coordinator.SubmitChoice(r.Context(), req.CallerID, req.ConversationID, req.Option)
	switch {
	case types.IsErrorCode(err, types.ErrStaleResult),
		types.IsErrorCode(err, types.ErrRequestPending):
		s.writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if update, ok := s.awaitUpdate(r.Context(), req.ConversationID); ok {
		writeJSON(w, http.StatusOK, update)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"conversation_id": req.ConversationID,
		"status":          "pending",
	})
}

// handleResult 取回此前以 202 pending 答复的那一轮结果。
// 更新已缓冲则立即返回并释放 waiter；尚未到达则再次返回 pending，
// 客户端继续轮询。逾期未取的缓冲由 waiter 清扫回收。
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation")
	if conversationID == "" {
		s.writeError(w, http.StatusBadRequest, types.NewError(types.ErrInvalidRequest, "conversation query parameter is required"))
		return
	}

	wt := s.waiter(conversationID)
	select {
	case update := <-wt.ch:
		s.dropWaiter(conversationID)
		writeJSON(w, http.StatusOK, update)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"conversation_id": conversationID,
			"status":          "pending",
		})
	}
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	callerID := r.URL.Query().Get("caller")
	if callerID == "" {
		s.writeError(w, http.StatusBadRequest, types.NewError(types.ErrInvalidRequest, "caller query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"active": s.coordinator.HasActiveDialogue(callerID),
	})
}

type endRequest struct {
	CallerID string `json:"caller_id"`
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallerID == "" {
		s.writeError(w, http.StatusBadRequest, types.NewError(types.ErrInvalidRequest, "caller_id is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"ended": s.coordinator.EndDialogue(req.CallerID),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// 🔧 响应辅助
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrInvalidRequest
	}
	writeJSON(w, status, map[string]string{
		"error":   string(code),
		"message": err.Error(),
	})
}
