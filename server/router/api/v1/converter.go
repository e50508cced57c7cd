package v1

import (
	"strings"
	"time"

	"github.com/ishenli/investment-agent/ai/assistant"
	"github.com/ishenli/investment-agent/store"
)

type Message struct {
	ID             string               `json:"id"`
	Role           string               `json:"role"`
	Content        string               `json:"content"`
	ParentID       string               `json:"parent_id,omitempty"`
	ConversationID string               `json:"conversation_id"`
	TopicID        string               `json:"topic_id,omitempty"`
	ToolCallID     string               `json:"tool_call_id,omitempty"`
	Reasoning      *store.Reasoning     `json:"reasoning,omitempty"`
	ToolCalls      []store.ToolCall     `json:"tool_calls,omitempty"`
	Citations      *store.CitationSet   `json:"citations,omitempty"`
	Related        []string             `json:"related,omitempty"`
	ThoughtChain   []store.ThoughtEntry `json:"thought_chain,omitempty"`
	Error          *store.ErrorInfo     `json:"error,omitempty"`
	Canceled       bool                 `json:"canceled,omitempty"`
	// Pending is true until persistence assigned a durable id.
	Pending    bool      `json:"pending,omitempty"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

type Reply struct {
	UserMessageID      string   `json:"user_message_id,omitempty"`
	AssistantMessageID string   `json:"assistant_message_id,omitempty"`
	Status             string   `json:"status"`
	Message            *Message `json:"message,omitempty"`
}

type CreateMessageRequest struct {
	Content string `json:"content"`
}

type Snapshot struct {
	Version  uint64     `json:"version"`
	Messages []*Message `json:"messages"`
}

func convertMessageFromStore(m *store.ChatMessage) *Message {
	return &Message{
		ID:             m.ID,
		Role:           string(m.Role),
		Content:        m.Content,
		ParentID:       m.ParentID,
		ConversationID: m.ConversationID,
		TopicID:        m.TopicID,
		ToolCallID:     m.ToolCallID,
		Reasoning:      m.Reasoning,
		ToolCalls:      m.ToolCalls,
		Citations:      m.Citations,
		Related:        m.Related,
		ThoughtChain:   m.ThoughtChain,
		Error:          m.Error,
		Canceled:       m.Canceled,
		Pending:        strings.HasPrefix(m.ID, assistant.TempIDPrefix),
		CreateTime:     time.UnixMilli(m.CreatedTs).UTC(),
		UpdateTime:     time.UnixMilli(m.UpdatedTs).UTC(),
	}
}

func convertMessagesFromStore(list []*store.ChatMessage) []*Message {
	out := make([]*Message, 0, len(list))
	for _, m := range list {
		out = append(out, convertMessageFromStore(m))
	}
	return out
}

func convertReply(r *assistant.Reply) *Reply {
	return &Reply{
		UserMessageID:      r.UserMessageID,
		AssistantMessageID: r.AssistantMessageID,
		Status:             string(r.Status()),
	}
}
