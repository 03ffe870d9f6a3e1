// Package context 提供上下文构建器：从外部提供的完整历史
// 组装一个有界的消息列表（指令 + 尾部会话轮）。
// 裁剪是纯函数且确定性的，与会话的年龄和长度无关。
package context

import (
	"github.com/BaSui01/npcflow/types"
	"go.uber.org/zap"
)

// Builder 组装发送给后端的有界消息列表。
type Builder struct {
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewBuilder 创建上下文构建器。tokenizer 为 nil 时使用字符估算。
func NewBuilder(tokenizer Tokenizer, logger *zap.Logger) *Builder {
	if tokenizer == nil {
		tokenizer = NewEstimateTokenizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{tokenizer: tokenizer, logger: logger}
}

// Optimize 返回优化后的消息列表：
//
//  1. system 轮无条件全部保留，顺序不变；
//  2. 会话轮只保留最近 windowSize 条，先丢弃更旧的；
//  3. maxTokens > 0 时继续从最旧的会话轮开始丢弃，直到 token 估算
//     进入预算（system 轮始终保留）。
//
// 输入切片不会被修改。
func (b *Builder) Optimize(msgs []types.Message, windowSize, maxTokens int) []types.Message {
	var system, conv []types.Message
	for _, m := range msgs {
		if m.IsConversational() {
			conv = append(conv, m)
		} else {
			system = append(system, m)
		}
	}

	if windowSize > 0 && len(conv) > windowSize {
		conv = conv[len(conv)-windowSize:]
	}

	if maxTokens > 0 {
		budget := maxTokens - b.tokenizer.CountMessagesTokens(system)
		for len(conv) > 0 && b.tokenizer.CountMessagesTokens(conv) > budget {
			conv = conv[1:]
		}
	}

	result := make([]types.Message, 0, len(system)+len(conv))
	result = append(result, system...)
	result = append(result, conv...)

	if len(result) < len(msgs) {
		b.logger.Debug("context optimized",
			zap.Int("original", len(msgs)),
			zap.Int("kept", len(result)),
			zap.Int("window_size", windowSize),
			zap.Int("max_tokens", maxTokens),
		)
	}
	return result
}

// EstimateTokens 估算消息列表的 token 数。
func (b *Builder) EstimateTokens(msgs []types.Message) int {
	return b.tokenizer.CountMessagesTokens(msgs)
}
