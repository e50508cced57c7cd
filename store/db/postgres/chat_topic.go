package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ishenli/investment-agent/store"
)

func (d *DB) UpsertChatTopicSummary(ctx context.Context, upsert *store.UpsertChatTopicSummary) error {
	stmt := `
		INSERT INTO chat_topic (conversation_id, topic_id, summary, summary_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, topic_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			summary_ts = EXCLUDED.summary_ts
	`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.ConversationID, upsert.TopicID, upsert.Summary, upsert.SummaryTs); err != nil {
		return fmt.Errorf("failed to upsert chat_topic: %w", err)
	}
	return nil
}

func (d *DB) GetChatTopic(ctx context.Context, find *store.FindChatTopic) (*store.ChatTopic, error) {
	topic := &store.ChatTopic{}
	err := d.db.QueryRowContext(ctx,
		`SELECT conversation_id, topic_id, summary, summary_ts FROM chat_topic WHERE conversation_id = $1 AND topic_id = $2`,
		find.ConversationID, find.TopicID,
	).Scan(&topic.ConversationID, &topic.TopicID, &topic.Summary, &topic.SummaryTs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat_topic: %w", err)
	}
	return topic, nil
}
