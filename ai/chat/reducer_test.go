package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishenli/investment-agent/store"
)

func strPtr(s string) *string { return &s }

func msg(id string, role store.Role, parent string) *store.ChatMessage {
	return &store.ChatMessage{ID: id, Role: role, ParentID: parent, ConversationID: "c1", Content: id}
}

func ids(list []*store.ChatMessage) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestReduceCreate(t *testing.T) {
	list := []*store.ChatMessage{msg("u1", store.RoleUser, "")}

	next := Reduce(list, CreateMessage{TempID: "tmp_1", Params: store.CreateChatMessage{
		Role:           store.RoleAssistant,
		ParentID:       "u1",
		ConversationID: "c1",
		CreatedTs:      42,
	}})
	require.Len(t, next, 2)
	assert.Len(t, list, 1, "input must not be mutated")
	assert.Equal(t, "tmp_1", next[1].ID)
	assert.Equal(t, int64(42), next[1].UpdatedTs)
	assert.Same(t, list[0], next[0])

	dup := Reduce(next, CreateMessage{TempID: "tmp_1"})
	assert.Equal(t, next, dup)
}

func TestReduceUpdate(t *testing.T) {
	list := []*store.ChatMessage{msg("u1", store.RoleUser, ""), msg("tmp_a", store.RoleAssistant, "u1")}

	next := Reduce(list, UpdateMessage{ID: "tmp_a", Patch: store.UpdateChatMessage{
		NewID:   strPtr("a1"),
		Content: strPtr("answer"),
		Error:   &store.ErrorInfo{Type: store.ErrorTypeUpstream},
	}})
	assert.Equal(t, []string{"u1", "a1"}, ids(next))
	assert.Equal(t, "answer", next[1].Content)
	assert.Equal(t, "tmp_a", list[1].ID, "the old message stays untouched")
	assert.Same(t, list[0], next[0])

	cleared := Reduce(next, UpdateMessage{ID: "a1", Patch: store.UpdateChatMessage{ClearError: true}})
	assert.Nil(t, cleared[1].Error)

	missing := Reduce(list, UpdateMessage{ID: "nope", Patch: store.UpdateChatMessage{Content: strPtr("x")}})
	assert.Equal(t, ids(list), ids(missing))

	clash := Reduce(list, UpdateMessage{ID: "tmp_a", Patch: store.UpdateChatMessage{NewID: strPtr("u1")}})
	assert.Equal(t, []string{"u1", "tmp_a"}, ids(clash))
}

func TestReduceDelete(t *testing.T) {
	list := []*store.ChatMessage{
		msg("u1", store.RoleUser, ""),
		msg("a1", store.RoleAssistant, "u1"),
		msg("t1", store.RoleTool, "a1"),
		msg("u2", store.RoleUser, ""),
	}

	next := Reduce(list, DeleteMessages{IDs: WithChainedTools(list, "a1")})
	assert.Equal(t, []string{"u1", "u2"}, ids(next))
	assert.Len(t, list, 4)

	same := Reduce(list, DeleteMessages{IDs: []string{"zzz"}})
	assert.Equal(t, ids(list), ids(same))
}

func TestWithChainedTools(t *testing.T) {
	list := []*store.ChatMessage{
		msg("a1", store.RoleAssistant, "u1"),
		msg("t1", store.RoleTool, "a1"),
		msg("t2", store.RoleTool, "a1"),
		msg("t3", store.RoleTool, "a2"),
	}
	assert.Equal(t, []string{"a1", "t1", "t2"}, WithChainedTools(list, "a1", "a1"))
}
