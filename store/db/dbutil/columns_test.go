package dbutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishenli/investment-agent/store"
)

func TestMessageColumnsRoundTrip(t *testing.T) {
	msg := &store.ChatMessage{
		ID:        "m1",
		Role:      store.RoleAssistant,
		Reasoning: &store.Reasoning{Content: "thinking", DurationMs: 1200},
		ToolCalls: []store.ToolCall{{ID: "call_1", Name: "quote", Arguments: `{"symbol":"AAPL"}`, Finished: true}},
		Citations: &store.CitationSet{Items: []store.Citation{{Title: "10-K", URL: "https://example.com"}}},
		Related:   []string{"What about MSFT?"},
		Error:     &store.ErrorInfo{Type: store.ErrorTypeUpstream, Message: "rate limited"},
	}

	cols, err := EncodeMessageColumns(msg)
	require.NoError(t, err)
	assert.Nil(t, cols.ThoughtChain)

	decoded := &store.ChatMessage{}
	require.NoError(t, cols.Decode(decoded))
	assert.Equal(t, msg.Reasoning, decoded.Reasoning)
	assert.Equal(t, msg.ToolCalls, decoded.ToolCalls)
	assert.Equal(t, msg.Citations, decoded.Citations)
	assert.Equal(t, msg.Related, decoded.Related)
	assert.Equal(t, msg.Error, decoded.Error)
	assert.Nil(t, decoded.ThoughtChain)
}

func TestNullable(t *testing.T) {
	assert.Nil(t, NullableString(""))
	assert.Equal(t, "x", NullableString("x"))
	assert.Nil(t, NullableBytes(nil))
	assert.Equal(t, "[]", NullableBytes([]byte("[]")))
}
