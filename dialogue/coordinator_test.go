package dialogue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/npcflow/llm"
	"github.com/BaSui01/npcflow/types"
)

// replyRouter 立即返回固定文本。
type replyRouter struct {
	mu    sync.Mutex
	text  string
	err   error
	calls [][]types.Message
}

func (r *replyRouter) Route(ctx context.Context, taskType string, history []types.Message) (*llm.RouteResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, history)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &llm.RouteResult{Text: r.text, Model: "test-model", TaskType: taskType}, nil
}

func (r *replyRouter) lastHistory() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

// blockRouter 阻塞到 release 关闭，模拟迟迟不解析的后端调用。
type blockRouter struct {
	release chan struct{}
}

func (r *blockRouter) Route(ctx context.Context, taskType string, history []types.Message) (*llm.RouteResult, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil, types.NewChainExhaustedError(taskType, ctx.Err())
}

// gateRouter 首次调用立即返回，之后的调用阻塞到 release 关闭。
// 记录在途调用峰值，用于验证单飞约束。
type gateRouter struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	peak     int
	release  chan struct{}
}

func (r *gateRouter) Route(ctx context.Context, taskType string, history []types.Message) (*llm.RouteResult, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.inFlight++
	if r.inFlight > r.peak {
		r.peak = r.inFlight
	}
	r.mu.Unlock()

	if call > 1 {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	return &llm.RouteResult{Text: "As you say.", Model: "test-model", TaskType: taskType}, nil
}

func (r *gateRouter) peakInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func (r *gateRouter) currentInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// memSupplier 内存历史存储。
type memSupplier struct {
	mu    sync.Mutex
	turns map[string][]types.Message
}

func newMemSupplier() *memSupplier {
	return &memSupplier{turns: make(map[string][]types.Message)}
}

func (s *memSupplier) GetHistory(ctx context.Context, callerID, targetID string) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := callerID + ":" + targetID
	out := make([]types.Message, len(s.turns[key]))
	copy(out, s.turns[key])
	return out, nil
}

func (s *memSupplier) Append(ctx context.Context, callerID, targetID string, msgs ...types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := callerID + ":" + targetID
	s.turns[key] = append(s.turns[key], msgs...)
	return nil
}

func updateChan() (chan types.DialogueUpdate, Listener) {
	ch := make(chan types.DialogueUpdate, 16)
	return ch, ListenerFunc(func(u types.DialogueUpdate) { ch <- u })
}

func waitUpdate(t *testing.T, ch <-chan types.DialogueUpdate) types.DialogueUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("对话更新超时未到达")
		return types.DialogueUpdate{}
	}
}

func TestStartDialogueDeliversUpdate(t *testing.T) {
	router := &replyRouter{text: "Well met, traveler. What brings you here?"}
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	convID, err := c.StartDialogue(context.Background(), "player-1", "npc-kael")
	require.NoError(t, err)
	require.NotEmpty(t, convID)
	assert.True(t, c.HasActiveDialogue("player-1"))

	update := waitUpdate(t, ch)
	assert.Equal(t, "player-1", update.CallerID)
	assert.Equal(t, convID, update.ConversationID)
	assert.Equal(t, "npc-kael", update.TargetID)
	assert.Equal(t, "Well met, traveler. What brings you here?", update.NPCResponse)
	assert.NotEmpty(t, update.Options)
	assert.False(t, update.Ended)
	assert.False(t, update.Fallback)
}

func TestStartDialogueValidatesInput(t *testing.T) {
	c := NewCoordinator(&replyRouter{}, nil, nil, nil, zap.NewNop())
	_, err := c.StartDialogue(context.Background(), "", "npc")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	_, err = c.StartDialogue(context.Background(), "p", "")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

// 核心场景：caller 在 C1 解析前切到 Rowan（C2），
// C1 的迟到结果必须被丢弃，可见状态只反映 Rowan。
func TestStaleResultDiscarded(t *testing.T) {
	router := &blockRouter{release: make(chan struct{})}
	t.Cleanup(func() { close(router.release) })
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	c1, err := c.StartDialogue(context.Background(), "player-1", "npc-kira")
	require.NoError(t, err)
	c2, err := c.StartDialogue(context.Background(), "player-1", "npc-rowan")
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)

	// C1 的结果迟到：必须被静默丢弃
	c.applyResult("player-1", c1, &llm.RouteResult{Text: "Kira says hi"}, nil)
	select {
	case u := <-ch:
		t.Fatalf("过期结果不应产生更新: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	// 会话仍然活跃且指向 Rowan
	assert.True(t, c.HasActiveDialogue("player-1"))
	st := c.state("player-1")
	st.mu.Lock()
	require.NotNil(t, st.session)
	assert.Equal(t, "npc-rowan", st.session.TargetID)
	assert.Equal(t, c2, st.session.ConversationID)
	st.mu.Unlock()

	// C2 的结果正常应用
	c.applyResult("player-1", c2, &llm.RouteResult{Text: "Rowan nods."}, nil)
	update := waitUpdate(t, ch)
	assert.Equal(t, c2, update.ConversationID)
	assert.Equal(t, "npc-rowan", update.TargetID)
	assert.Equal(t, "Rowan nods.", update.NPCResponse)
}

func TestSubmitChoiceStaleRejected(t *testing.T) {
	router := &replyRouter{text: "Hmph."}
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	convID, err := c.StartDialogue(context.Background(), "p", "npc")
	require.NoError(t, err)
	waitUpdate(t, ch)

	err = c.SubmitChoice(context.Background(), "p", "stale-conversation-id", types.DialogueOption{Text: "Hello"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStaleResult))

	// 正确的会话 id 被接受
	require.NoError(t, c.SubmitChoice(context.Background(), "p", convID, types.DialogueOption{Text: "Hello"}))
	waitUpdate(t, ch)
}

// 同一会话内同一时刻至多一个在途生成请求：
// 上一条选项尚未解析时，新的提交被拒绝而不是并发路由。
func TestSubmitChoiceRejectedWhileRequestInFlight(t *testing.T) {
	router := &gateRouter{release: make(chan struct{})}
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	convID, err := c.StartDialogue(context.Background(), "p", "npc")
	require.NoError(t, err)
	waitUpdate(t, ch)

	// 第一条提交进入在途状态
	require.NoError(t, c.SubmitChoice(context.Background(), "p", convID, types.DialogueOption{ID: 1, Text: "Tell me more."}))
	require.Eventually(t, func() bool { return router.currentInFlight() == 1 },
		time.Second, 5*time.Millisecond)

	// 在途期间的第二条提交被拒绝，不产生第二个并发路由
	err = c.SubmitChoice(context.Background(), "p", convID, types.DialogueOption{ID: 2, Text: "And then?"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrRequestPending))
	assert.Equal(t, 1, router.peakInFlight())

	// 在途请求解析后恰好交付一条更新
	close(router.release)
	update := waitUpdate(t, ch)
	assert.Equal(t, convID, update.ConversationID)
	select {
	case u := <-ch:
		t.Fatalf("被拒绝的提交不应产生更新: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	// 解析完成后提交恢复可用
	require.NoError(t, c.SubmitChoice(context.Background(), "p", convID, types.DialogueOption{ID: 2, Text: "And then?"}))
	waitUpdate(t, ch)
	assert.Equal(t, 1, router.peakInFlight())
}

func TestSubmitChoicePersistsAndRoutesHistory(t *testing.T) {
	router := &replyRouter{text: "I have no quarrel with you."}
	supplier := newMemSupplier()
	ch, listener := updateChan()
	c := NewCoordinator(router, supplier, listener, nil, zap.NewNop())

	convID, err := c.StartDialogue(context.Background(), "p", "npc")
	require.NoError(t, err)
	waitUpdate(t, ch)

	require.NoError(t, c.SubmitChoice(context.Background(), "p", convID, types.DialogueOption{ID: 1, Text: "I mean no harm."}))
	waitUpdate(t, ch)

	// 路由看到的历史包含玩家轮
	history := router.lastHistory()
	var sawPlayerTurn bool
	for _, m := range history {
		if m.Role == types.RoleUser && m.Content == "I mean no harm." {
			sawPlayerTurn = true
		}
	}
	assert.True(t, sawPlayerTurn, "路由上下文应包含玩家选择的轮")

	// 玩家轮与 NPC 轮都已持久化
	persisted, err := supplier.GetHistory(context.Background(), "p", "npc")
	require.NoError(t, err)
	var roles []types.Role
	for _, m := range persisted {
		roles = append(roles, m.Role)
	}
	assert.Contains(t, roles, types.RoleUser)
	assert.Contains(t, roles, types.RoleNPC)
}

func TestFallbackOnChainExhausted(t *testing.T) {
	router := &replyRouter{err: types.NewChainExhaustedError("dialogue", assert.AnError)}
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	_, err := c.StartDialogue(context.Background(), "p", "npc")
	require.NoError(t, err)

	update := waitUpdate(t, ch)
	assert.True(t, update.Fallback)
	assert.Equal(t, fallbackResponse, update.NPCResponse)
	assert.Len(t, update.Options, 3)
	assert.False(t, update.Ended)
	// 兜底不结束对话
	assert.True(t, c.HasActiveDialogue("p"))
}

func TestFarewellEndsConversation(t *testing.T) {
	router := &replyRouter{text: "Farewell, traveler. Safe travels."}
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	_, err := c.StartDialogue(context.Background(), "p", "npc")
	require.NoError(t, err)

	update := waitUpdate(t, ch)
	assert.True(t, update.Ended)
	assert.False(t, c.HasActiveDialogue("p"))
	assert.Equal(t, 0, c.ActiveSessions())
}

func TestFarewellOptionEndsConversation(t *testing.T) {
	router := &replyRouter{text: "Until next time."}
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	convID, err := c.StartDialogue(context.Background(), "p", "npc")
	require.NoError(t, err)
	waitUpdate(t, ch)

	require.NoError(t, c.SubmitChoice(context.Background(), "p", convID,
		types.DialogueOption{ID: 3, Text: "I should go.", LeadsTo: "farewell"}))
	update := waitUpdate(t, ch)
	assert.True(t, update.Ended)
	assert.False(t, c.HasActiveDialogue("p"))
}

func TestEndDialogue(t *testing.T) {
	router := &blockRouter{release: make(chan struct{})}
	t.Cleanup(func() { close(router.release) })
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	convID, err := c.StartDialogue(context.Background(), "p", "npc")
	require.NoError(t, err)
	assert.True(t, c.HasActiveDialogue("p"))

	assert.True(t, c.EndDialogue("p"))
	assert.False(t, c.HasActiveDialogue("p"))
	assert.False(t, c.EndDialogue("p"), "重复结束应返回 false")
	assert.False(t, c.EndDialogue("unknown-caller"))

	// 结束后迟到的结果被丢弃
	c.applyResult("p", convID, &llm.RouteResult{Text: "too late"}, nil)
	select {
	case u := <-ch:
		t.Fatalf("已结束会话不应产生更新: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpireIdle(t *testing.T) {
	router := &replyRouter{text: "Hm."}
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	_, err := c.StartDialogue(context.Background(), "p", "npc")
	require.NoError(t, err)
	waitUpdate(t, ch)

	// 新鲜会话不会过期
	assert.Equal(t, 0, c.ExpireIdle(time.Minute))
	assert.True(t, c.HasActiveDialogue("p"))

	st := c.state("p")
	st.mu.Lock()
	st.session.LastActivity = time.Now().Add(-time.Hour)
	st.mu.Unlock()

	assert.Equal(t, 1, c.ExpireIdle(time.Minute))
	assert.False(t, c.HasActiveDialogue("p"))
	assert.Equal(t, 0, c.ActiveSessions())
}

func TestHasActiveDialogueUnknownCaller(t *testing.T) {
	c := NewCoordinator(&replyRouter{}, nil, nil, nil, zap.NewNop())
	assert.False(t, c.HasActiveDialogue("never-seen"))
}

func TestConcurrentCallersIsolated(t *testing.T) {
	router := &replyRouter{text: "Greetings."}
	ch, listener := updateChan()
	c := NewCoordinator(router, nil, listener, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.StartDialogue(context.Background(), string(rune('a'+n)), "npc")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		waitUpdate(t, ch)
	}
	assert.Equal(t, 8, c.ActiveSessions())
	for i := 0; i < 8; i++ {
		assert.True(t, c.HasActiveDialogue(string(rune('a'+i))))
	}
}
