package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishenli/investment-agent/store"
)

func TestResolveContext(t *testing.T) {
	list := []*store.ChatMessage{
		msg("u1", store.RoleUser, ""),
		msg("a1", store.RoleAssistant, "u1"),
		msg("u2", store.RoleUser, ""),
		msg("a2", store.RoleAssistant, "u2"),
		msg("t1", store.RoleTool, "a2"),
		msg("a3", store.RoleAssistant, ""),
		msg("a4", store.RoleAssistant, "gone"),
	}

	tests := []struct {
		target string
		want   []string
	}{
		{target: "a1", want: []string{"u1"}},
		{target: "u2", want: []string{"u1", "a1", "u2"}},
		{target: "a2", want: []string{"u1", "a1", "u2"}},
		{target: "t1", want: []string{"u1", "a1", "u2", "a2", "t1"}},
		{target: "a3", want: []string{"u1", "a1", "u2", "a2", "t1", "a3"}},
		{target: "a4", want: []string{"u1", "a1", "u2", "a2", "t1", "a3", "a4"}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := ResolveContext(list, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestResolveContextErrors(t *testing.T) {
	_, err := ResolveContext(nil, "x")
	assert.ErrorIs(t, err, ErrMessageNotFound)

}

func TestResolveContextParentlessFirstMessage(t *testing.T) {
	got, err := ResolveContext([]*store.ChatMessage{msg("a0", store.RoleAssistant, "")}, "a0")
	require.NoError(t, err)
	assert.Equal(t, []string{"a0"}, ids(got))
}

func TestResolveContextReturnsCopy(t *testing.T) {
	list := []*store.ChatMessage{msg("u1", store.RoleUser, ""), msg("a1", store.RoleAssistant, "u1")}
	got, err := ResolveContext(list, "u1")
	require.NoError(t, err)
	got = append(got, msg("x", store.RoleUser, ""))
	assert.Equal(t, "a1", list[1].ID)
}
