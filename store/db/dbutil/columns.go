// Package dbutil holds encoding helpers shared by the SQL drivers.
package dbutil

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ishenli/investment-agent/store"
)

// MessageColumns are the JSON encoded columns of a chat_message row.
// A nil slice is stored as NULL.
type MessageColumns struct {
	Reasoning    []byte
	ToolCalls    []byte
	Citations    []byte
	Related      []byte
	ThoughtChain []byte
	Error        []byte
}

// EncodeMessageColumns marshals the structured fields of m.
func EncodeMessageColumns(m *store.ChatMessage) (*MessageColumns, error) {
	var (
		c   MessageColumns
		err error
	)
	if m.Reasoning != nil {
		if c.Reasoning, err = json.Marshal(m.Reasoning); err != nil {
			return nil, errors.Wrap(err, "failed to marshal reasoning")
		}
	}
	if len(m.ToolCalls) > 0 {
		if c.ToolCalls, err = json.Marshal(m.ToolCalls); err != nil {
			return nil, errors.Wrap(err, "failed to marshal tool_calls")
		}
	}
	if m.Citations != nil {
		if c.Citations, err = json.Marshal(m.Citations); err != nil {
			return nil, errors.Wrap(err, "failed to marshal citations")
		}
	}
	if len(m.Related) > 0 {
		if c.Related, err = json.Marshal(m.Related); err != nil {
			return nil, errors.Wrap(err, "failed to marshal related")
		}
	}
	if len(m.ThoughtChain) > 0 {
		if c.ThoughtChain, err = json.Marshal(m.ThoughtChain); err != nil {
			return nil, errors.Wrap(err, "failed to marshal thought_chain")
		}
	}
	if m.Error != nil {
		if c.Error, err = json.Marshal(m.Error); err != nil {
			return nil, errors.Wrap(err, "failed to marshal error")
		}
	}
	return &c, nil
}

// Decode unmarshals the columns into m.
func (c *MessageColumns) Decode(m *store.ChatMessage) error {
	if len(c.Reasoning) > 0 {
		m.Reasoning = &store.Reasoning{}
		if err := json.Unmarshal(c.Reasoning, m.Reasoning); err != nil {
			return errors.Wrap(err, "failed to unmarshal reasoning")
		}
	}
	if len(c.ToolCalls) > 0 {
		if err := json.Unmarshal(c.ToolCalls, &m.ToolCalls); err != nil {
			return errors.Wrap(err, "failed to unmarshal tool_calls")
		}
	}
	if len(c.Citations) > 0 {
		m.Citations = &store.CitationSet{}
		if err := json.Unmarshal(c.Citations, m.Citations); err != nil {
			return errors.Wrap(err, "failed to unmarshal citations")
		}
	}
	if len(c.Related) > 0 {
		if err := json.Unmarshal(c.Related, &m.Related); err != nil {
			return errors.Wrap(err, "failed to unmarshal related")
		}
	}
	if len(c.ThoughtChain) > 0 {
		if err := json.Unmarshal(c.ThoughtChain, &m.ThoughtChain); err != nil {
			return errors.Wrap(err, "failed to unmarshal thought_chain")
		}
	}
	if len(c.Error) > 0 {
		m.Error = &store.ErrorInfo{}
		if err := json.Unmarshal(c.Error, m.Error); err != nil {
			return errors.Wrap(err, "failed to unmarshal error")
		}
	}
	return nil
}

// NullableString maps "" to NULL.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NullableBytes maps an empty slice to NULL. Text columns keep JSON readable.
func NullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
