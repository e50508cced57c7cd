package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishenli/investment-agent/internal/profile"
	"github.com/ishenli/investment-agent/store"
)

func newTestDB(t *testing.T) store.Driver {
	t.Helper()
	driver, err := NewDB(&profile.Profile{DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })
	return driver
}

func TestChatMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	user, err := db.CreateChatMessage(ctx, &store.CreateChatMessage{
		Role:           store.RoleUser,
		Content:        "How is my portfolio doing?",
		ConversationID: "c1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)

	assistant, err := db.CreateChatMessage(ctx, &store.CreateChatMessage{
		ID:             "a1",
		Role:           store.RoleAssistant,
		ParentID:       user.ID,
		ConversationID: "c1",
	})
	require.NoError(t, err)

	// Other topic must not leak into the null topic scope.
	_, err = db.CreateChatMessage(ctx, &store.CreateChatMessage{Role: store.RoleUser, Content: "x", ConversationID: "c1", TopicID: "t1"})
	require.NoError(t, err)

	content := "Up 3% this week."
	canceled := true
	require.NoError(t, db.UpdateChatMessage(ctx, &store.UpdateChatMessage{
		ID:        assistant.ID,
		Content:   &content,
		Reasoning: &store.Reasoning{Content: "check holdings", DurationMs: 40},
		ToolCalls: &[]store.ToolCall{{ID: "call_1", Name: "holdings", Arguments: "{}", Finished: true}},
		Canceled:  &canceled,
	}))

	nullTopic := ""
	list, err := db.ListChatMessages(ctx, &store.FindChatMessage{ConversationID: "c1", TopicID: &nullTopic})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, user.ID, list[0].ID)
	assert.Equal(t, content, list[1].Content)
	assert.Equal(t, user.ID, list[1].ParentID)
	assert.True(t, list[1].Canceled)
	require.NotNil(t, list[1].Reasoning)
	assert.Equal(t, "check holdings", list[1].Reasoning.Content)
	require.Len(t, list[1].ToolCalls, 1)

	all, err := db.ListChatMessages(ctx, &store.FindChatMessage{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, db.DeleteChatMessages(ctx, &store.DeleteChatMessages{IDs: []string{assistant.ID}}))
	list, err = db.ListChatMessages(ctx, &store.FindChatMessage{ConversationID: "c1", TopicID: &nullTopic})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpdateChatMessageRenamesID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.CreateChatMessage(ctx, &store.CreateChatMessage{ID: "old", Role: store.RoleUser, ConversationID: "c1"})
	require.NoError(t, err)

	newID := "new"
	require.NoError(t, db.UpdateChatMessage(ctx, &store.UpdateChatMessage{ID: "old", NewID: &newID}))

	list, err := db.ListChatMessages(ctx, &store.FindChatMessage{ConversationID: "c1", ID: &newID})
	require.NoError(t, err)
	require.Len(t, list, 1)

	err = db.UpdateChatMessage(ctx, &store.UpdateChatMessage{ID: "old"})
	assert.Error(t, err)
}

func TestChatTopicSummary(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	topic, err := db.GetChatTopic(ctx, &store.FindChatTopic{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Nil(t, topic)

	require.NoError(t, db.UpsertChatTopicSummary(ctx, &store.UpsertChatTopicSummary{ConversationID: "c1", Summary: "first", SummaryTs: 1}))
	require.NoError(t, db.UpsertChatTopicSummary(ctx, &store.UpsertChatTopicSummary{ConversationID: "c1", Summary: "second", SummaryTs: 2}))

	topic, err = db.GetChatTopic(ctx, &store.FindChatTopic{ConversationID: "c1"})
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Equal(t, "second", topic.Summary)
	assert.Equal(t, int64(2), topic.SummaryTs)
}
