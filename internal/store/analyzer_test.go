package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeAwareAnalyzer_SplitsCamelAndSnakeCase(t *testing.T) {
	a := NewCodeAwareAnalyzer(nil)
	assert.ElementsMatch(t, []string{"get", "user", "by", "id"}, a.Tokenize("getUserById"))
	assert.ElementsMatch(t, []string{"get", "user", "by", "id"}, a.Tokenize("get_user_by_id"))
}

func TestCodeAwareAnalyzer_FiltersStopWords(t *testing.T) {
	a := NewCodeAwareAnalyzer(DefaultCodeStopWords)
	tokens := a.Tokenize("func getUser() { return result }")
	assert.NotContains(t, tokens, "func")
	assert.NotContains(t, tokens, "return")
	assert.NotContains(t, tokens, "result")
	assert.Contains(t, tokens, "get")
	assert.Contains(t, tokens, "user")
}

func TestCJKAnalyzer_SplitsEachCJKRuneIntoItsOwnToken(t *testing.T) {
	a := NewCJKAnalyzer(nil)
	tokens := a.Tokenize("检索增强生成")
	assert.Len(t, tokens, 6)
}

func TestCJKAnalyzer_HandlesMixedScriptText(t *testing.T) {
	a := NewCJKAnalyzer(nil)
	tokens := a.Tokenize("getUser 用户 function")
	assert.Contains(t, tokens, "get")
	assert.Contains(t, tokens, "user")
	assert.Contains(t, tokens, "function")
	assert.Contains(t, tokens, "用")
	assert.Contains(t, tokens, "户")
}

func TestCJKAnalyzer_EmptyInput(t *testing.T) {
	a := NewCJKAnalyzer(nil)
	assert.Empty(t, a.Tokenize(""))
}
