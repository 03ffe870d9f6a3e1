package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeStripsMetaReferences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "AI 自指",
			in:   "As an AI, I think the mines are dangerous.",
			want: ", I think the mines are dangerous.",
		},
		{
			name: "语言模型自指",
			in:   "I am a language model but the harvest was good this year.",
			want: "but the harvest was good this year.",
		},
		{
			name: "方括号元评论",
			in:   "The mines are closed. [The NPC seems nervous] Stay away.",
			want: "The mines are closed. Stay away.",
		},
		{
			name: "括号内 Note 旁白",
			in:   "Take this map. (Note: this reveals the quest location)",
			want: "Take this map.",
		},
		{
			name: "多余空白压缩",
			in:   "The   road\n\nis  long.",
			want: "The road is long.",
		},
		{
			name: "干净文本原样保留",
			in:   "Well met, traveler.",
			want: "Well met, traveler.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestIsFarewell(t *testing.T) {
	assert.True(t, IsFarewell("Goodbye, friend."))
	assert.True(t, IsFarewell("Farewell, traveler."))
	assert.True(t, IsFarewell("Safe travels on the road ahead."))
	assert.False(t, IsFarewell("The weather is fine today."))
	assert.False(t, IsFarewell(""))
}

func TestParseReplyStructured(t *testing.T) {
	text := `{"response": "The mines? Dangerous place.", "options": [
		{"id": 1, "text": "Tell me more.", "tone": "curious", "leads_to": "response"},
		{"id": 2, "text": "I'll be careful.", "tone": "neutral", "leads_to": "farewell"}
	]}`
	response, options := parseReply(text)
	assert.Equal(t, "The mines? Dangerous place.", response)
	assert.Len(t, options, 2)
	assert.Equal(t, "Tell me more.", options[0].Text)
}

func TestParseReplyPlainText(t *testing.T) {
	response, options := parseReply("  Hmph. What do you want?  ")
	assert.Equal(t, "Hmph. What do you want?", response)
	assert.Len(t, options, 3, "纯文本回复配保底选项")
}

func TestParseReplyMalformedJSON(t *testing.T) {
	response, options := parseReply(`{"response": broken`)
	assert.Equal(t, `{"response": broken`, response)
	assert.Len(t, options, 3)
}

func TestParseReplyStructuredWithoutOptions(t *testing.T) {
	response, options := parseReply(`{"response": "Leave me be."}`)
	assert.Equal(t, "Leave me be.", response)
	assert.Len(t, options, 3, "缺省选项回退到保底选项")
}
