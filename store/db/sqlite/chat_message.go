package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ishenli/investment-agent/store"
	"github.com/ishenli/investment-agent/store/db/dbutil"
)

const chatMessageColumns = `id, conversation_id, topic_id, role, content, parent_id, tool_call_id,
	reasoning, tool_calls, citations, related, thought_chain, error, canceled, created_ts, updated_ts`

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

	stmt := `INSERT INTO chat_message (id, conversation_id, topic_id, role, content, parent_id, tool_call_id, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		msg.ID,
		msg.ConversationID,
		msg.TopicID,
		string(msg.Role),
		msg.Content,
		dbutil.NullableString(msg.ParentID),
		dbutil.NullableString(msg.ToolCallID),
		msg.CreatedTs,
		msg.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create chat message")
	}
	return msg, nil
}

// UpdateChatMessage applies the partial update inside one transaction.
func (d *DB) UpdateChatMessage(ctx context.Context, update *store.UpdateChatMessage) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+chatMessageColumns+` FROM chat_message WHERE id = ?`, update.ID)
	msg, err := scanChatMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Errorf("chat message %s not found", update.ID)
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

	stmt := `UPDATE chat_message SET id = ?, content = ?, reasoning = ?, tool_calls = ?, citations = ?,
		related = ?, thought_chain = ?, error = ?, canceled = ?, updated_ts = ? WHERE id = ?`
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
		return errors.Wrap(err, "failed to update chat message")
	}
	return errors.Wrap(tx.Commit(), "failed to commit chat message update")
}

func (d *DB) ListChatMessages(ctx context.Context, find *store.FindChatMessage) ([]*store.ChatMessage, error) {
	where, args := []string{"conversation_id = ?"}, []any{find.ConversationID}
	if find.TopicID != nil {
		where, args = append(where, "topic_id = ?"), append(args, *find.TopicID)
	}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}

	query := `SELECT ` + chatMessageColumns + ` FROM chat_message WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list chat messages")
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
		return nil, errors.Wrap(err, "failed to iterate chat messages")
	}
	return list, nil
}

func (d *DB) DeleteChatMessages(ctx context.Context, delete *store.DeleteChatMessages) error {
	placeholders := make([]string, len(delete.IDs))
	args := make([]any, len(delete.IDs))
	for i, id := range delete.IDs {
		placeholders[i] = "?"
		args[i] = id
	}
	stmt := `DELETE FROM chat_message WHERE id IN (` + strings.Join(placeholders, ", ") + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete chat messages")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatMessage(row rowScanner) (*store.ChatMessage, error) {
	var (
		msg                   store.ChatMessage
		role                  string
		parentID, toolCallID  sql.NullString
		reasoning, toolCalls  sql.NullString
		citations, related    sql.NullString
		thoughtChain, errInfo sql.NullString
	)
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.TopicID,
		&role,
		&msg.Content,
		&parentID,
		&toolCallID,
		&reasoning,
		&toolCalls,
		&citations,
		&related,
		&thoughtChain,
		&errInfo,
		&msg.Canceled,
		&msg.CreatedTs,
		&msg.UpdatedTs,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan chat message")
	}
	msg.Role = store.Role(role)
	msg.ParentID = parentID.String
	msg.ToolCallID = toolCallID.String

	cols := &dbutil.MessageColumns{
		Reasoning:    []byte(reasoning.String),
		ToolCalls:    []byte(toolCalls.String),
		Citations:    []byte(citations.String),
		Related:      []byte(related.String),
		ThoughtChain: []byte(thoughtChain.String),
		Error:        []byte(errInfo.String),
	}
	if err := cols.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
