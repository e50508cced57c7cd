package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ishenli/investment-agent/ai/chat"
	"github.com/ishenli/investment-agent/ai/registry"
	"github.com/ishenli/investment-agent/ai/smooth"
	"github.com/ishenli/investment-agent/store"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu         sync.Mutex
	seq        int
	msgs       []*store.ChatMessage
	topics     map[string]*store.ChatTopic
	deleted    []string
	failCreate func(*store.CreateChatMessage) error
}

func newMemRepo() *memRepo {
	return &memRepo{topics: make(map[string]*store.ChatTopic)}
}

func (r *memRepo) CreateChatMessage(_ context.Context, create *store.CreateChatMessage) (*store.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate != nil {
		if err := r.failCreate(create); err != nil {
			return nil, err
		}
	}
	r.seq++
	id := create.ID
	if id == "" {
		id = fmt.Sprintf("m%d", r.seq)
	}
	m := &store.ChatMessage{
		ID:             id,
		Role:           create.Role,
		Content:        create.Content,
		ParentID:       create.ParentID,
		ConversationID: create.ConversationID,
		TopicID:        create.TopicID,
		ToolCallID:     create.ToolCallID,
		CreatedTs:      create.CreatedTs,
		UpdatedTs:      create.CreatedTs,
	}
	r.msgs = append(r.msgs, m)
	return m.Clone(), nil
}

func (r *memRepo) UpdateChatMessage(_ context.Context, update *store.UpdateChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ID == update.ID {
			update.Apply(m)
			return nil
		}
	}
	return errors.New("message not found")
}

func (r *memRepo) DeleteChatMessages(_ context.Context, del *store.DeleteChatMessages) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop := make(map[string]bool)
	for _, id := range del.IDs {
		drop[id] = true
		r.deleted = append(r.deleted, id)
	}
	kept := r.msgs[:0]
	for _, m := range r.msgs {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	r.msgs = kept
	return nil
}

func (r *memRepo) ListChatMessages(_ context.Context, find *store.FindChatMessage) ([]*store.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.ChatMessage
	for _, m := range r.msgs {
		if m.ConversationID != find.ConversationID {
			continue
		}
		if find.TopicID != nil && m.TopicID != *find.TopicID {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (r *memRepo) UpsertChatTopicSummary(_ context.Context, upsert *store.UpsertChatTopicSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[upsert.ConversationID+"/"+upsert.TopicID] = &store.ChatTopic{
		ConversationID: upsert.ConversationID,
		TopicID:        upsert.TopicID,
		Summary:        upsert.Summary,
		SummaryTs:      upsert.SummaryTs,
	}
	return nil
}

func (r *memRepo) GetChatTopic(_ context.Context, find *store.FindChatTopic) (*store.ChatTopic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topics[find.ConversationID+"/"+find.TopicID], nil
}

func (r *memRepo) get(id string) *store.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ID == id {
			return m.Clone()
		}
	}
	return nil
}

// seed stores a persisted message directly.
func (r *memRepo) seed(scope chat.Scope, id string, role store.Role, content, parent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, &store.ChatMessage{
		ID: id, Role: role, Content: content, ParentID: parent,
		ConversationID: scope.ConversationID, TopicID: scope.TopicID,
	})
}

// fakeTransport replays frames as one stream per request.
type fakeTransport struct {
	mu       sync.Mutex
	requests []*openai.ChatCompletionRequest
	frames   []string
	block    bool // keep the stream open until ctx is canceled
	err      error
	// gate, when set, holds the stream open after frames until closed, then
	// writes after and ends the stream.
	gate  chan struct{}
	after []string
}

func (f *fakeTransport) OpenStream(ctx context.Context, _ string, body *openai.ChatCompletionRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, body)
	frames := append([]string(nil), f.frames...)
	block, err := f.block, f.err
	gate, after := f.gate, append([]string(nil), f.after...)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	go func() {
		for _, fr := range frames {
			if _, err := pw.Write([]byte(fr)); err != nil {
				return
			}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
			for _, fr := range after {
				if _, err := pw.Write([]byte(fr)); err != nil {
					return
				}
			}
		}
		if !block {
			pw.Close()
		}
	}()
	return pr, nil
}

func (f *fakeTransport) lastRequest() *openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

// gatedSummarizer blocks every call until gate is closed.
type gatedSummarizer struct {
	mu      sync.Mutex
	calls   int
	seen    []*store.ChatMessage
	gate    chan struct{}
	summary string
}

func (g *gatedSummarizer) Summarize(ctx context.Context, messages []*store.ChatMessage) (string, error) {
	g.mu.Lock()
	g.calls++
	g.seen = messages
	g.mu.Unlock()
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.summary, nil
}

func (g *gatedSummarizer) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func fastScheduler() smooth.Scheduler {
	return smooth.NewIntervalScheduler(time.Millisecond)
}

type harness struct {
	svc       *Service
	repo      *memRepo
	transport *fakeTransport
	reg       *registry.Registry
	guard     *registry.WorkGuard
	scope     chat.Scope
}

func newHarness(cfg Config, opts ...Option) *harness {
	if cfg.SmoothingSpeed == 0 {
		cfg.SmoothingSpeed = 100000
	}
	h := &harness{
		repo:      newMemRepo(),
		transport: &fakeTransport{},
		guard:     registry.NewWorkGuard(),
		scope:     chat.Scope{ConversationID: "c1"},
	}
	h.reg = registry.New(h.guard)
	opts = append([]Option{WithScheduler(fastScheduler)}, opts...)
	h.svc = NewService(chat.NewConversationStore(), h.reg, h.repo, h.transport, cfg, opts...)
	return h
}

func frame(payload string) string {
	return "data: " + payload + "\n\n"
}

func textFrame(s string) string {
	return frame(fmt.Sprintf(`{"choices":[{"index":0,"delta":{"content":%q}}]}`, s))
}

const doneFrame = "data: [DONE]\n\n"
