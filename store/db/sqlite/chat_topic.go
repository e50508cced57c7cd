package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/ishenli/investment-agent/store"
)

func (d *DB) UpsertChatTopicSummary(ctx context.Context, upsert *store.UpsertChatTopicSummary) error {
	stmt := `
		INSERT INTO chat_topic (conversation_id, topic_id, summary, summary_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, topic_id) DO UPDATE SET
			summary = excluded.summary,
			summary_ts = excluded.summary_ts
	`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.ConversationID, upsert.TopicID, upsert.Summary, upsert.SummaryTs); err != nil {
		return errors.Wrap(err, "failed to upsert chat topic summary")
	}
	return nil
}

func (d *DB) GetChatTopic(ctx context.Context, find *store.FindChatTopic) (*store.ChatTopic, error) {
	topic := &store.ChatTopic{}
	err := d.db.QueryRowContext(ctx,
		`SELECT conversation_id, topic_id, summary, summary_ts FROM chat_topic WHERE conversation_id = ? AND topic_id = ?`,
		find.ConversationID, find.TopicID,
	).Scan(&topic.ConversationID, &topic.TopicID, &topic.Summary, &topic.SummaryTs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get chat topic")
	}
	return topic, nil
}
