package truncation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"kiro-gateway/parser"
)

func TestTracker_ShouldContinue(t *testing.T) {
	t.Run("continues on maxTokens within budget", func(t *testing.T) {
		tr := NewTracker(2, true, 0)

		assert.True(t, tr.ShouldContinue("maxTokens"))
		assert.Equal(t, 1, tr.ContinuationCount())
	})

	t.Run("stops once the continuation budget is exhausted", func(t *testing.T) {
		tr := NewTracker(1, true, 0)

		assert.True(t, tr.ShouldContinue("maxTokens"))
		assert.False(t, tr.ShouldContinue("maxTokens"))
		assert.Equal(t, 1, tr.ContinuationCount())
	})

	t.Run("does not continue on a normal stop reason", func(t *testing.T) {
		tr := NewTracker(2, true, 0)

		assert.False(t, tr.ShouldContinue("endTurn"))
		assert.Equal(t, 0, tr.ContinuationCount())
	})

	t.Run("does not continue on tool use", func(t *testing.T) {
		tr := NewTracker(2, true, 0)

		assert.False(t, tr.ShouldContinue("toolUse"))
	})

	t.Run("does not continue when truncation recovery is disabled", func(t *testing.T) {
		tr := NewTracker(2, false, 0)

		assert.False(t, tr.ShouldContinue("maxTokens"))
		assert.Equal(t, 0, tr.ContinuationCount())
	})

	t.Run("does not continue once the client's max_tokens budget is exhausted", func(t *testing.T) {
		tr := NewTracker(2, true, 8) // 8 tokens ~= 32 chars

		tr.Accumulate("0123456789012345678901234567890123456789", nil) // 40 chars, ~10 tokens
		assert.False(t, tr.ShouldContinue("maxTokens"))
	})

	t.Run("continues while the client's max_tokens budget still has room", func(t *testing.T) {
		tr := NewTracker(2, true, 100)

		tr.Accumulate("short reply", nil)
		assert.True(t, tr.ShouldContinue("maxTokens"))
	})
}

func TestTracker_Merged(t *testing.T) {
	t.Run("concatenates segments with no boundary marker", func(t *testing.T) {
		tr := NewTracker(2, true, 0)

		tr.Accumulate("Once upon a ", nil)
		tr.Accumulate("time.", nil)

		merged := tr.Merged()
		assert.Equal(t, "Once upon a time.", merged.Content)
	})

	t.Run("accumulates tool calls across segments", func(t *testing.T) {
		tr := NewTracker(2, true, 0)

		tr.Accumulate("part one", []parser.ToolCall{{ID: "1"}})
		tr.Accumulate("part two", []parser.ToolCall{{ID: "2"}})

		merged := tr.Merged()
		assert.Len(t, merged.ToolCalls, 2)
		assert.Equal(t, "1", merged.ToolCalls[0].ID)
		assert.Equal(t, "2", merged.ToolCalls[1].ID)
	})

	t.Run("empty tracker merges to empty content", func(t *testing.T) {
		tr := NewTracker(2, true, 0)

		merged := tr.Merged()
		assert.Equal(t, "", merged.Content)
		assert.Empty(t, merged.ToolCalls)
	})
}
