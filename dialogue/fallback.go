package dialogue

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/npcflow/types"
)

// =============================================================================
// 🛟 兜底与结构化回复解析
// =============================================================================

// fallbackResponse 是降级链耗尽时的中性角色内回复。
const fallbackResponse = "The stranger regards you in silence for a moment, then gives a slow nod."

// fallbackOptions 返回不依赖模型的保底对话选项。
func fallbackOptions() []types.DialogueOption {
	return []types.DialogueOption{
		{ID: 1, Text: "What can you tell me about this place?", Tone: "curious", LeadsTo: "response"},
		{ID: 2, Text: "Do you have any work for me?", Tone: "neutral", LeadsTo: "quest"},
		{ID: 3, Text: "I should go.", Tone: "neutral", LeadsTo: "farewell"},
	}
}

// fallbackUpdate 构造降级链耗尽时交付给 caller 的更新。
// 原始错误不外泄，Fallback 标记供上层观测。
func fallbackUpdate(callerID, conversationID, targetID string) types.DialogueUpdate {
	return types.DialogueUpdate{
		CallerID:       callerID,
		ConversationID: conversationID,
		TargetID:       targetID,
		NPCResponse:    fallbackResponse,
		Options:        fallbackOptions(),
		Fallback:       true,
	}
}

// modelReply 是期望模型输出的结构化格式。
type modelReply struct {
	Response string                 `json:"response"`
	Options  []types.DialogueOption `json:"options"`
}

// parseReply 解析模型输出。输出是合法 JSON 时取其结构化字段；
// 否则整段文本就是 NPC 回复，配以保底选项。
func parseReply(text string) (string, []types.DialogueOption) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var reply modelReply
		if err := json.Unmarshal([]byte(trimmed), &reply); err == nil && reply.Response != "" {
			opts := reply.Options
			if len(opts) == 0 {
				opts = fallbackOptions()
			}
			return reply.Response, opts
		}
	}
	return trimmed, fallbackOptions()
}
