package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ishenli/investment-agent/store"
	"github.com/ishenli/investment-agent/store/db/dbutil"
)

const chatMessageColumns = `id, conversation_id, topic_id, role, content, parent_id, tool_call_id,
	reasoning, tool_calls, citations, related, thought_chain, error, canceled, created_ts, updated_ts`

// CreateChatMessage inserts a message; seq preserves creation order.
func (d *DB) CreateChatMessage(ctx context.Context, create *store.CreateChatMessage) (*store.ChatMessage, error) {
	id := create.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := create.CreatedTs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	msg := &store.ChatMessage{
		ID:             id,
		Role:           create.Role,
		Content:        create.Content,
		ParentID:       create.ParentID,
		ConversationID: create.ConversationID,
		TopicID:        create.TopicID,
		ToolCallID:     create.ToolCallID,
		CreatedTs:      ts,
		UpdatedTs:      ts,
	}

	fields := []string{"id", "conversation_id", "topic_id", "role", "content", "parent_id", "tool_call_id", "created_ts", "updated_ts"}
	args := []any{
		msg.ID,
		msg.ConversationID,
		msg.TopicID,
		string(msg.Role),
		msg.Content,
		dbutil.NullableString(msg.ParentID),
		dbutil.NullableString(msg.ToolCallID),
		msg.CreatedTs,
		msg.UpdatedTs,
	}
	stmt := `INSERT INTO chat_message (` + strings.Join(fields, ", ") + `) VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to create chat_message: %w", err)
	}
	return msg, nil
}

// UpdateChatMessage locks the row, merges the update and writes it back.
func (d *DB) UpdateChatMessage(ctx context.Context, update *store.UpdateChatMessage) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+chatMessageColumns+` FROM chat_message WHERE id = $1 FOR UPDATE`, update.ID)
	msg, err := scanChatMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("chat_message %s not found", update.ID)
		}
		return err
	}

	update.Apply(msg)
	if update.UpdatedTs == nil {
		msg.UpdatedTs = time.Now().UnixMilli()
	}
	cols, err := dbutil.EncodeMessageColumns(msg)
	if err != nil {
		return err
	}

	stmt := `UPDATE chat_message SET id = $1, content = $2, reasoning = $3, tool_calls = $4, citations = $5,
		related = $6, thought_chain = $7, error = $8, canceled = $9, updated_ts = $10 WHERE id = $11`
	if _, err := tx.ExecContext(ctx, stmt,
		msg.ID,
		msg.Content,
		dbutil.NullableBytes(cols.Reasoning),
		dbutil.NullableBytes(cols.ToolCalls),
		dbutil.NullableBytes(cols.Citations),
		dbutil.NullableBytes(cols.Related),
		dbutil.NullableBytes(cols.ThoughtChain),
		dbutil.NullableBytes(cols.Error),
		msg.Canceled,
		msg.UpdatedTs,
		update.ID,
	); err != nil {
		return fmt.Errorf("failed to update chat_message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat_message update: %w", err)
	}
	return nil
}

func (d *DB) ListChatMessages(ctx context.Context, find *store.FindChatMessage) ([]*store.ChatMessage, error) {
	where, args := []string{"conversation_id = $1"}, []any{find.ConversationID}
	if find.TopicID != nil {
		where, args = append(where, "topic_id = "+placeholder(len(args)+1)), append(args, *find.TopicID)
	}
	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}

	query := `SELECT ` + chatMessageColumns + ` FROM chat_message WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat_message: %w", err)
	}
	defer rows.Close()

	list := []*store.ChatMessage{}
	for rows.Next() {
		msg, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat_message: %w", err)
	}
	return list, nil
}

func (d *DB) DeleteChatMessages(ctx context.Context, delete *store.DeleteChatMessages) error {
	args := make([]any, len(delete.IDs))
	for i, id := range delete.IDs {
		args[i] = id
	}
	stmt := `DELETE FROM chat_message WHERE id IN (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to delete chat_message: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatMessage(row rowScanner) (*store.ChatMessage, error) {
	var (
		msg                  store.ChatMessage
		role                 string
		parentID, toolCallID sql.NullString
		cols                 dbutil.MessageColumns
	)
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.TopicID,
		&role,
		&msg.Content,
		&parentID,
		&toolCallID,
		&cols.Reasoning,
		&cols.ToolCalls,
		&cols.Citations,
		&cols.Related,
		&cols.ThoughtChain,
		&cols.Error,
		&msg.Canceled,
		&msg.CreatedTs,
		&msg.UpdatedTs,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan chat_message: %w", err)
	}
	msg.Role = store.Role(role)
	msg.ParentID = parentID.String
	msg.ToolCallID = toolCallID.String

	if err := cols.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
