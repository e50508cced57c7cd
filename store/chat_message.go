package store

// Role is the author role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry of a conversation scope.
// An empty TopicID is the "null topic" scope of the conversation.
type ChatMessage struct {
	ID             string
	Role           Role
	Content        string
	ParentID       string
	ConversationID string
	TopicID        string
	ToolCallID     string // set on tool-result messages
	Reasoning      *Reasoning
	ToolCalls      []ToolCall
	Citations      *CitationSet
	Related        []string
	ThoughtChain   []ThoughtEntry
	Error          *ErrorInfo
	Canceled       bool
	CreatedTs      int64
	UpdatedTs      int64
}

// Reasoning is the model's visible reasoning trace.
type Reasoning struct {
	Content    string `json:"content"`
	Signature  string `json:"signature,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ToolCall is a function invocation requested by the model.
// Arguments are only complete once Finished is true.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Index     int    `json:"index"`
	Finished  bool   `json:"finished,omitempty"`
}

// Citation is one grounding source.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// CitationSet is the grounding attached to an answer.
type CitationSet struct {
	Items         []Citation `json:"items,omitempty"`
	SearchQueries []string   `json:"search_queries,omitempty"`
}

// ThoughtEntry is one step of a thought chain.
type ThoughtEntry struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status,omitempty"`
}

// ErrorInfo describes why a message failed.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Error types recorded on messages.
const (
	ErrorTypeCreateFailed = "create_failed"
	ErrorTypeDecode       = "decode_error"
	ErrorTypeUpstream     = "upstream_error"
	ErrorTypeTransport    = "transport_error"
)

// CreateChatMessage is the input for creating a message.
type CreateChatMessage struct {
	ID             string // generated when empty
	Role           Role
	Content        string
	ParentID       string
	ConversationID string
	TopicID        string
	ToolCallID     string
	CreatedTs      int64
}

// UpdateChatMessage is a partial update. Nil fields are left untouched.
type UpdateChatMessage struct {
	ID           string
	NewID        *string // promotes an optimistic id to the durable one
	Content      *string
	Reasoning    *Reasoning
	ToolCalls    *[]ToolCall
	Citations    *CitationSet
	Related      *[]string
	ThoughtChain *[]ThoughtEntry
	Error        *ErrorInfo
	ClearError   bool
	Canceled     *bool
	UpdatedTs    *int64
}

// FindChatMessage filters messages. ConversationID is required by drivers;
// TopicID nil matches every topic, a pointer to "" matches the null topic.
type FindChatMessage struct {
	ID             *string
	ConversationID string
	TopicID        *string
}

// DeleteChatMessages removes messages by id.
type DeleteChatMessages struct {
	IDs []string
}

// ChatTopic holds topic level state such as the compressed history summary.
type ChatTopic struct {
	ConversationID string
	TopicID        string
	Summary        string
	SummaryTs      int64
}

// UpsertChatTopicSummary writes the history summary of a scope.
type UpsertChatTopicSummary struct {
	ConversationID string
	TopicID        string
	Summary        string
	SummaryTs      int64
}

// FindChatTopic selects a topic by scope.
type FindChatTopic struct {
	ConversationID string
	TopicID        string
}

// Apply merges the update into m in place.
func (u *UpdateChatMessage) Apply(m *ChatMessage) {
	if u.NewID != nil {
		m.ID = *u.NewID
	}
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.Reasoning != nil {
		r := *u.Reasoning
		m.Reasoning = &r
	}
	if u.ToolCalls != nil {
		m.ToolCalls = append([]ToolCall(nil), (*u.ToolCalls)...)
	}
	if u.Citations != nil {
		c := *u.Citations
		m.Citations = &c
	}
	if u.Related != nil {
		m.Related = append([]string(nil), (*u.Related)...)
	}
	if u.ThoughtChain != nil {
		m.ThoughtChain = append([]ThoughtEntry(nil), (*u.ThoughtChain)...)
	}
	if u.ClearError {
		m.Error = nil
	}
	if u.Error != nil {
		e := *u.Error
		m.Error = &e
	}
	if u.Canceled != nil {
		m.Canceled = *u.Canceled
	}
	if u.UpdatedTs != nil {
		m.UpdatedTs = *u.UpdatedTs
	}
}

// Clone returns a copy of m that shares no mutable state with it.
func (m *ChatMessage) Clone() *ChatMessage {
	c := *m
	if m.Reasoning != nil {
		r := *m.Reasoning
		c.Reasoning = &r
	}
	if m.ToolCalls != nil {
		c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Citations != nil {
		cs := CitationSet{
			Items:         append([]Citation(nil), m.Citations.Items...),
			SearchQueries: append([]string(nil), m.Citations.SearchQueries...),
		}
		c.Citations = &cs
	}
	if m.Related != nil {
		c.Related = append([]string(nil), m.Related...)
	}
	if m.ThoughtChain != nil {
		c.ThoughtChain = append([]ThoughtEntry(nil), m.ThoughtChain...)
	}
	if m.Error != nil {
		e := *m.Error
		c.Error = &e
	}
	return &c
}
