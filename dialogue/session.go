package dialogue

import (
	"time"

	"github.com/BaSui01/npcflow/types"
)

// sessionTurnCap 限制会话工作副本持有的轮数。
// 完整历史归历史存储所有，这里只是一份有界的工作副本。
const sessionTurnCap = 50

// Session 一个 caller 当前的对话槽位。
// 换目标时整体替换，不做合并。只能在持有对应 caller 锁时访问。
type Session struct {
	CallerID       string
	ConversationID string
	TargetID       string
	StartedAt      time.Time
	LastActivity   time.Time

	// Pending 表示有一个在途生成请求
	Pending bool
	// Ending 表示本轮解析后对话应当结束（玩家选择了告别选项）
	Ending bool

	// Turns 有界的会话工作副本
	Turns []types.Message
	// Options 最近一次生成的对话选项
	Options []types.DialogueOption
}

func newSession(callerID, conversationID, targetID string) *Session {
	now := time.Now()
	return &Session{
		CallerID:       callerID,
		ConversationID: conversationID,
		TargetID:       targetID,
		StartedAt:      now,
		LastActivity:   now,
		Pending:        true,
	}
}

// appendTurn 追加一轮并裁到上界。
func (s *Session) appendTurn(msg types.Message) {
	s.Turns = append(s.Turns, msg)
	if len(s.Turns) > sessionTurnCap {
		s.Turns = s.Turns[len(s.Turns)-sessionTurnCap:]
	}
	s.LastActivity = time.Now()
}
