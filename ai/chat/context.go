package chat

import (
	"errors"
	"fmt"

	"github.com/ishenli/investment-agent/store"
)

// ErrMessageNotFound is returned when the target id is not in the list.
var ErrMessageNotFound = errors.New("chat: message not found")

// ResolveContext returns the prefix of list to resubmit when regenerating
// from targetID.
//
//   - user or tool target: the prefix up to and including the target.
//   - assistant target: the prefix up to and including its parent. Without a
//     resolvable parent the target itself is the cut point and the prefix
//     includes it.
//
// The result is a fresh slice; the messages are shared with list.
func ResolveContext(list []*store.ChatMessage, targetID string) ([]*store.ChatMessage, error) {
	i := indexOf(list, targetID)
	if i < 0 {
		return nil, fmt.Errorf("resolve context for %s: %w", targetID, ErrMessageNotFound)
	}

	target := list[i]
	if target.Role == store.RoleAssistant && target.ParentID != "" {
		if p := indexOf(list[:i], target.ParentID); p >= 0 {
			return clonePrefix(list, p+1), nil
		}
	}
	return clonePrefix(list, i+1), nil
}

func clonePrefix(list []*store.ChatMessage, n int) []*store.ChatMessage {
	return append([]*store.ChatMessage(nil), list[:n]...)
}
