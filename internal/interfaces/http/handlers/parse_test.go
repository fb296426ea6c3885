package handlers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinMessages(t *testing.T) {
	assert.Equal(t, "", joinMessages(nil))
	assert.Equal(t, "user: hi", joinMessages([]ollamaMessage{
		{Role: "user", Content: "hi"},
	}))
	assert.Equal(t, "system: be terse\nuser: hi\nassistant: ok\nuser: thanks",
		joinMessages([]ollamaMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "ok"},
			{Role: "user", Content: "thanks"},
		}))
}

func TestContentText(t *testing.T) {
	assert.Equal(t, "", contentText(nil))
	assert.Equal(t, "plain", contentText(json.RawMessage(`"plain"`)))
	assert.Equal(t, "", contentText(json.RawMessage(`42`)))

	multimodal := json.RawMessage(`[
		{"type":"text","text":"describe "},
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}},
		{"type":"text","text":"this image"}
	]`)
	assert.Equal(t, "describe this image", contentText(multimodal))
}

func TestPromptText(t *testing.T) {
	assert.Equal(t, "one", promptText("one"))
	assert.Equal(t, "a\nb", promptText([]any{"a", "b"}))
	assert.Equal(t, "a", promptText([]any{"a", 7.0}))
	assert.Equal(t, "", promptText(map[string]any{"not": "supported"}))
	assert.Equal(t, "", promptText(nil))
}

func TestEmbedInputText(t *testing.T) {
	assert.Equal(t, "single input", embedInputText("single input"))
	assert.Equal(t, "first\nsecond", embedInputText([]any{"first", "second"}))
	assert.Equal(t, "", embedInputText(123))
	assert.Equal(t, "", embedInputText(nil))
}
