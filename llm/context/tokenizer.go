package context

import (
	"sync"

	"github.com/BaSui01/npcflow/types"
	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer 定义 token 计数接口。
type Tokenizer interface {
	// CountTokens 计算文本的 token 数量
	CountTokens(text string) int

	// CountMessageTokens 计算消息的 token 数量（包含角色等元数据开销）
	CountMessageTokens(msg types.Message) int

	// CountMessagesTokens 计算消息列表的总 token 数
	CountMessagesTokens(msgs []types.Message) int
}

// ====== 实现：EstimateTokenizer ======
// 基于字符数的简单估算，适用于所有模型（不依赖外部数据）

const (
	// 平均 1 个 token ≈ 4 个字符（英文），中文约 1.5 个字符
	englishCharsPerToken = 4.0
	chineseCharsPerToken = 1.5

	// 消息元数据开销（角色、格式等）
	messageOverhead = 4
)

// EstimateTokenizer 基于字符数估算 token。
type EstimateTokenizer struct{}

// NewEstimateTokenizer 创建基于估算的 Tokenizer。
func NewEstimateTokenizer() *EstimateTokenizer {
	return &EstimateTokenizer{}
}

func (t *EstimateTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	var chineseCount, englishCount int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 {
			chineseCount++
		} else {
			englishCount++
		}
	}

	tokens := float64(chineseCount)/chineseCharsPerToken + float64(englishCount)/englishCharsPerToken
	return int(tokens) + 1
}

func (t *EstimateTokenizer) CountMessageTokens(msg types.Message) int {
	return messageOverhead + t.CountTokens(msg.Content)
}

func (t *EstimateTokenizer) CountMessagesTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.CountMessageTokens(m)
	}
	return total
}

// ====== 实现：TiktokenTokenizer ======

// TiktokenTokenizer 使用 tiktoken 的精确计数。
// 编码数据在首次使用时懒加载；加载失败时回退到字符估算，
// 保证计数永远可用（离线环境亦然）。
type TiktokenTokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	fallback *EstimateTokenizer
	once     sync.Once
	initErr  error
}

// NewTiktokenTokenizer 创建以 tiktoken 为主的 Tokenizer。
// encoding 为空时默认 cl100k_base。
func NewTiktokenTokenizer(encoding string) *TiktokenTokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenTokenizer{
		encoding: encoding,
		fallback: NewEstimateTokenizer(),
	}
}

// init 懒初始化 tiktoken 编码（可能在首次使用时下载数据）。
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenTokenizer) CountMessageTokens(msg types.Message) int {
	return messageOverhead + t.CountTokens(msg.Content)
}

func (t *TiktokenTokenizer) CountMessagesTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.CountMessageTokens(m)
	}
	return total
}
