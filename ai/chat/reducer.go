// Package chat holds the per-scope ordered message lists of conversations
// and the pure reducer that is the only way to change them.
package chat

import (
	"github.com/ishenli/investment-agent/store"
)

// Scope identifies one ordered message list. An empty TopicID is the
// conversation's null topic, a scope of its own.
type Scope struct {
	ConversationID string
	TopicID        string
}

func (s Scope) String() string {
	if s.TopicID == "" {
		return s.ConversationID + "/-"
	}
	return s.ConversationID + "/" + s.TopicID
}

// Action is the closed set of message list transitions.
type Action interface {
	isAction()
}

// CreateMessage appends an optimistic message under TempID.
type CreateMessage struct {
	TempID string
	Params store.CreateChatMessage
}

// UpdateMessage merges Patch into the message with ID.
// Patch.NewID renames the message in place.
type UpdateMessage struct {
	ID    string
	Patch store.UpdateChatMessage
}

// DeleteMessages removes every listed id.
type DeleteMessages struct {
	IDs []string
}

func (CreateMessage) isAction()  {}
func (UpdateMessage) isAction()  {}
func (DeleteMessages) isAction() {}

// Reduce returns the list produced by applying action to list.
// It never mutates list or its messages, never reorders entries, and returns
// list itself when the action does not apply.
func Reduce(list []*store.ChatMessage, action Action) []*store.ChatMessage {
	switch a := action.(type) {
	case CreateMessage:
		if indexOf(list, a.TempID) >= 0 {
			return list
		}
		m := &store.ChatMessage{
			ID:             a.TempID,
			Role:           a.Params.Role,
			Content:        a.Params.Content,
			ParentID:       a.Params.ParentID,
			ConversationID: a.Params.ConversationID,
			TopicID:        a.Params.TopicID,
			ToolCallID:     a.Params.ToolCallID,
			CreatedTs:      a.Params.CreatedTs,
			UpdatedTs:      a.Params.CreatedTs,
		}
		next := make([]*store.ChatMessage, len(list), len(list)+1)
		copy(next, list)
		return append(next, m)

	case UpdateMessage:
		i := indexOf(list, a.ID)
		if i < 0 {
			return list
		}
		if a.Patch.NewID != nil && *a.Patch.NewID != a.ID && indexOf(list, *a.Patch.NewID) >= 0 {
			return list
		}
		m := list[i].Clone()
		a.Patch.Apply(m)
		next := make([]*store.ChatMessage, len(list))
		copy(next, list)
		next[i] = m
		return next

	case DeleteMessages:
		if len(a.IDs) == 0 {
			return list
		}
		drop := make(map[string]struct{}, len(a.IDs))
		for _, id := range a.IDs {
			drop[id] = struct{}{}
		}
		next := make([]*store.ChatMessage, 0, len(list))
		for _, m := range list {
			if _, ok := drop[m.ID]; !ok {
				next = append(next, m)
			}
		}
		if len(next) == len(list) {
			return list
		}
		return next

	default:
		return list
	}
}

// WithChainedTools expands ids with the tool-result messages whose parent is
// one of them.
func WithChainedTools(list []*store.ChatMessage, ids ...string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	for _, m := range list {
		if m.Role != store.RoleTool {
			continue
		}
		if _, parent := set[m.ParentID]; !parent {
			continue
		}
		if _, seen := set[m.ID]; seen {
			continue
		}
		set[m.ID] = struct{}{}
		out = append(out, m.ID)
	}
	return out
}

func indexOf(list []*store.ChatMessage, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}
