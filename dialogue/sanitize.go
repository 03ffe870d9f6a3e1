package dialogue

import (
	"regexp"
	"strings"
)

// =============================================================================
// 🧹 响应净化
// =============================================================================

// metaPatterns 匹配模型泄漏的元意识内容：
// AI 自指、方括号元评论、括号内的 Note 旁白。
var metaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(as an ai|according to my training|i cannot|i don't have access)`),
	regexp.MustCompile(`(?i)(i am a language model|i was created by|my purpose is)`),
	regexp.MustCompile(`\[[^\]]*\]`),
	regexp.MustCompile(`(?i)\(note:[^)]*\)`),
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Sanitize 在回复呈现给玩家之前去除元意识与系统提示泄漏，
// 并把多余空白压成单个空格。
func Sanitize(response string) string {
	for _, p := range metaPatterns {
		response = p.ReplaceAllString(response, "")
	}
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(response, " "))
}

// farewellKeywords 出现在 NPC 回复中时视为对话收尾。
var farewellKeywords = []string{"goodbye", "farewell", "safe travels"}

// IsFarewell 判断一条 NPC 回复是否在告别。
func IsFarewell(response string) bool {
	lower := strings.ToLower(response)
	for _, kw := range farewellKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
