package dialogue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/npcflow/internal/metrics"
	"github.com/BaSui01/npcflow/llm"
	"github.com/BaSui01/npcflow/types"
)

// TaskTypeDialogue 是协调器发起路由时使用的任务类型。
const TaskTypeDialogue = "dialogue"

// routeDeadline 兜底的整体路由上限。
// 单次尝试的截止时间由任务档案控制，这里只防止极端配置下的无界等待。
const routeDeadline = 30 * time.Second

// Router 协调器需要的路由能力。*llm.Router 满足该接口。
type Router interface {
	Route(ctx context.Context, taskType string, history []types.Message) (*llm.RouteResult, error)
}

// ContextSupplier 外部历史存储。协调器只读取并追加，从不改写已有历史。
type ContextSupplier interface {
	GetHistory(ctx context.Context, callerID, targetID string) ([]types.Message, error)
	Append(ctx context.Context, callerID, targetID string, msgs ...types.Message) error
}

// Listener 接收异步解析的对话更新。
// 回调永远在交付 goroutine 中执行，绝不持有任何 caller 锁。
type Listener interface {
	OnUpdate(update types.DialogueUpdate)
}

// ListenerFunc 把函数适配为 Listener。
type ListenerFunc func(update types.DialogueUpdate)

func (f ListenerFunc) OnUpdate(update types.DialogueUpdate) { f(update) }

// callerState 单个 caller 的会话槽位与保护它的锁。
// 槽位按需创建后永不移除（上界为出现过的 caller 数量）。
type callerState struct {
	mu      sync.Mutex
	session *Session
	// active 冗余镜像 session != nil，供 HasActiveDialogue 无锁读取
	active atomic.Bool
}

// Coordinator 会话协调器。所有方法可并发调用。
type Coordinator struct {
	router    Router
	history   ContextSupplier
	listener  Listener
	collector *metrics.Collector
	logger    *zap.Logger

	// states: callerID → *callerState
	states      sync.Map
	activeCount atomic.Int64
}

// NewCoordinator 创建会话协调器。
// listener 与 collector 可为 nil（不通知 / 不记指标）。
func NewCoordinator(router Router, history ContextSupplier, listener Listener, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		router:    router,
		history:   history,
		listener:  listener,
		collector: collector,
		logger:    logger.With(zap.String("component", "coordinator")),
	}
}

// state 原子地取得或创建 caller 的槽位。
func (c *Coordinator) state(callerID string) *callerState {
	if st, ok := c.states.Load(callerID); ok {
		return st.(*callerState)
	}
	st, _ := c.states.LoadOrStore(callerID, &callerState{})
	return st.(*callerState)
}

// =============================================================================
// 🚪 caller 入口
// =============================================================================

// StartDialogue 为 caller 开启与 targetID 的新对话。
// 立即返回新铸造的会话 id；生成请求在锁外异步执行。
// 已有在途请求被标记为被取代（建议性，不保证停止）。
func (c *Coordinator) StartDialogue(ctx context.Context, callerID, targetID string) (string, error) {
	if callerID == "" || targetID == "" {
		return "", types.NewError(types.ErrInvalidRequest, "caller id and target id are required")
	}

	st := c.state(callerID)
	conversationID := uuid.NewString()

	st.mu.Lock()
	if prev := st.session; prev != nil && prev.Pending {
		c.logger.Info("对话被取代，在途请求标记为过期",
			zap.String("caller_id", callerID),
			zap.String("superseded_conversation_id", prev.ConversationID),
			zap.String("new_conversation_id", conversationID),
			zap.String("reason", "new_target"))
		c.recordStale("superseded")
	}
	created := st.session == nil
	st.session = newSession(callerID, conversationID, targetID)
	st.active.Store(true)
	st.mu.Unlock()

	if created {
		c.setActive(c.activeCount.Add(1))
	}
	c.recordRequest("start", "accepted")
	c.logger.Debug("对话开始",
		zap.String("caller_id", callerID),
		zap.String("target_id", targetID),
		zap.String("conversation_id", conversationID))

	go c.dispatch(callerID, conversationID, targetID, nil)
	return conversationID, nil
}

// SubmitChoice 提交玩家选中的对话选项，沿同一条异步路径生成 NPC 回复。
// 会话 id 不再是当前值时拒绝并返回 STALE_RESULT（预期情况，不是故障）。
// 上一条请求尚未解析时拒绝并返回 REQUEST_PENDING：
// 每个会话同一时刻至多一个在途生成请求。
func (c *Coordinator) SubmitChoice(ctx context.Context, callerID, conversationID string, option types.DialogueOption) error {
	if callerID == "" || conversationID == "" {
		return types.NewError(types.ErrInvalidRequest, "caller id and conversation id are required")
	}

	st := c.state(callerID)
	st.mu.Lock()
	sess := st.session
	if sess == nil || sess.ConversationID != conversationID {
		st.mu.Unlock()
		c.logger.Info("过期的选项提交被拒绝",
			zap.String("caller_id", callerID),
			zap.String("conversation_id", conversationID),
			zap.String("reason", "conversation_mismatch"))
		c.recordStale("choice_conversation_mismatch")
		c.recordRequest("choose", "stale")
		return types.NewError(types.ErrStaleResult, "conversation is no longer current")
	}

	if sess.Pending {
		st.mu.Unlock()
		c.logger.Info("在途请求未解析，选项提交被拒绝",
			zap.String("caller_id", callerID),
			zap.String("conversation_id", conversationID),
			zap.String("reason", "request_pending"))
		c.recordRequest("choose", "pending")
		return types.NewError(types.ErrRequestPending, "previous request for this conversation is still in flight")
	}

	turn := types.NewUserMessage(option.Text)
	sess.appendTurn(turn)
	sess.Pending = true
	sess.Ending = option.LeadsTo == "farewell"
	targetID := sess.TargetID
	st.mu.Unlock()

	c.recordRequest("choose", "accepted")
	go c.dispatch(callerID, conversationID, targetID, &turn)
	return nil
}

// HasActiveDialogue 无锁判断 caller 是否处于对话中。
// 外部的环境消息在对话中应当被抑制。
func (c *Coordinator) HasActiveDialogue(callerID string) bool {
	st, ok := c.states.Load(callerID)
	if !ok {
		return false
	}
	return st.(*callerState).active.Load()
}

// EndDialogue 显式结束 caller 的当前对话。返回是否确有对话被结束。
func (c *Coordinator) EndDialogue(callerID string) bool {
	st, ok := c.states.Load(callerID)
	if !ok {
		return false
	}
	cs := st.(*callerState)

	cs.mu.Lock()
	sess := cs.session
	cs.session = nil
	cs.active.Store(false)
	cs.mu.Unlock()

	if sess == nil {
		return false
	}
	c.setActive(c.activeCount.Add(-1))
	c.recordRequest("end", "ok")
	c.logger.Debug("对话结束",
		zap.String("caller_id", callerID),
		zap.String("conversation_id", sess.ConversationID))
	return true
}

// ExpireIdle 清除最后活动早于 olderThan 的会话，返回清除数量。
// 由外部空闲超时信号驱动。
func (c *Coordinator) ExpireIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	expired := 0

	c.states.Range(func(key, value any) bool {
		cs := value.(*callerState)
		cs.mu.Lock()
		if cs.session != nil && cs.session.LastActivity.Before(cutoff) {
			c.logger.Info("空闲会话过期",
				zap.String("caller_id", cs.session.CallerID),
				zap.String("conversation_id", cs.session.ConversationID))
			cs.session = nil
			cs.active.Store(false)
			expired++
		}
		cs.mu.Unlock()
		return true
	})

	if expired > 0 {
		c.setActive(c.activeCount.Add(int64(-expired)))
	}
	return expired
}

// ActiveSessions 返回当前活跃会话数。
func (c *Coordinator) ActiveSessions() int {
	return int(c.activeCount.Load())
}

// =============================================================================
// ⚙️ 异步路由与结果应用
// =============================================================================

// dispatch 在独立 goroutine 中执行：持久化玩家轮（如有）、
// 取历史、路由、把结果交给 applyResult。全程不持有任何 caller 锁。
func (c *Coordinator) dispatch(callerID, conversationID, targetID string, playerTurn *types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), routeDeadline)
	defer cancel()

	if playerTurn != nil && c.history != nil {
		if err := c.history.Append(ctx, callerID, targetID, *playerTurn); err != nil {
			c.logger.Warn("玩家轮持久化失败",
				zap.String("caller_id", callerID),
				zap.Error(err))
		}
	}

	var history []types.Message
	if c.history != nil {
		var err error
		history, err = c.history.GetHistory(ctx, callerID, targetID)
		if err != nil {
			c.logger.Warn("历史读取失败，使用空上下文",
				zap.String("caller_id", callerID),
				zap.String("target_id", targetID),
				zap.Error(err))
			history = nil
		}
	}
	// 玩家轮持久化失败时仍要进入本次上下文
	if playerTurn != nil && (len(history) == 0 || history[len(history)-1].Content != playerTurn.Content) {
		history = append(history, *playerTurn)
	}

	result, err := c.router.Route(ctx, TaskTypeDialogue, history)
	c.applyResult(callerID, conversationID, result, err)
}

// applyResult 把异步到达的结果应用到会话。
// 会话 id 不匹配时静默丢弃（带日志），这是唯一的正确性关卡。
func (c *Coordinator) applyResult(callerID, conversationID string, result *llm.RouteResult, routeErr error) {
	st := c.state(callerID)

	var update types.DialogueUpdate
	if routeErr != nil {
		update = fallbackUpdate(callerID, conversationID, "")
	} else {
		response, options := parseReply(result.Text)
		response = Sanitize(response)
		update = types.DialogueUpdate{
			CallerID:       callerID,
			ConversationID: conversationID,
			NPCResponse:    response,
			Options:        options,
		}
	}

	st.mu.Lock()
	sess := st.session
	if sess == nil || sess.ConversationID != conversationID {
		st.mu.Unlock()
		reason := "session_ended"
		if sess != nil {
			reason = "conversation_mismatch"
		}
		c.logger.Info("过期结果被丢弃",
			zap.String("caller_id", callerID),
			zap.String("conversation_id", conversationID),
			zap.String("reason", reason))
		c.recordStale(reason)
		return
	}

	sess.Pending = false
	update.TargetID = sess.TargetID
	npcTurn := types.NewNPCMessage(update.NPCResponse)
	sess.appendTurn(npcTurn)
	sess.Options = update.Options

	update.Ended = sess.Ending || IsFarewell(update.NPCResponse)
	if update.Ended {
		st.session = nil
		st.active.Store(false)
	}
	targetID := sess.TargetID
	st.mu.Unlock()

	if update.Ended {
		c.setActive(c.activeCount.Add(-1))
	}
	if routeErr != nil {
		c.logger.Warn("降级链耗尽，交付兜底回复",
			zap.String("caller_id", callerID),
			zap.String("conversation_id", conversationID),
			zap.Error(routeErr))
		c.recordRequest("resolve", "fallback")
	} else {
		c.recordRequest("resolve", "ok")
	}

	if c.history != nil && update.NPCResponse != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.history.Append(ctx, callerID, targetID, npcTurn); err != nil {
			c.logger.Warn("NPC 轮持久化失败",
				zap.String("caller_id", callerID),
				zap.Error(err))
		}
		cancel()
	}

	if c.listener != nil {
		c.listener.OnUpdate(update)
	}
}

func (c *Coordinator) recordStale(reason string) {
	if c.collector != nil {
		c.collector.RecordStaleResult(reason)
	}
}

func (c *Coordinator) recordRequest(operation, status string) {
	if c.collector != nil {
		c.collector.RecordDialogueRequest(operation, status)
	}
}

func (c *Coordinator) setActive(n int64) {
	if c.collector != nil {
		c.collector.SetSessionsActive(int(n))
	}
}
