// Package assistant orchestrates assistant replies: optimistic messages,
// streaming, smoothing, cancellation, resend/regenerate and background
// history compression.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ishenli/investment-agent/ai/cache"
	"github.com/ishenli/investment-agent/ai/chat"
	"github.com/ishenli/investment-agent/ai/registry"
	"github.com/ishenli/investment-agent/ai/smooth"
	"github.com/ishenli/investment-agent/store"
)

// TempIDPrefix marks ids that were assigned before persistence confirmed.
const TempIDPrefix = "tmp_"

var (
	// ErrEmptyContent is returned for blank user input.
	ErrEmptyContent = errors.New("assistant: empty message content")
	// ErrNotUserMessage is returned when Resend targets a non-user message.
	ErrNotUserMessage = errors.New("assistant: resend target is not a user message")
	// ErrNotAssistantMessage is returned when DeleteAndRegenerate targets a
	// message that is not an assistant reply.
	ErrNotAssistantMessage = errors.New("assistant: target is not an assistant message")
)

// Repository is the persistence collaborator. *store.Store implements it.
type Repository interface {
	CreateChatMessage(ctx context.Context, create *store.CreateChatMessage) (*store.ChatMessage, error)
	UpdateChatMessage(ctx context.Context, update *store.UpdateChatMessage) error
	DeleteChatMessages(ctx context.Context, delete *store.DeleteChatMessages) error
	ListChatMessages(ctx context.Context, find *store.FindChatMessage) ([]*store.ChatMessage, error)
	UpsertChatTopicSummary(ctx context.Context, upsert *store.UpsertChatTopicSummary) error
	GetChatTopic(ctx context.Context, find *store.FindChatTopic) (*store.ChatTopic, error)
}

// Transport opens a raw completion stream. ctx aborts the read.
type Transport interface {
	OpenStream(ctx context.Context, endpoint string, body *openai.ChatCompletionRequest) (io.ReadCloser, error)
}

// Summarizer compresses a scope's history.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*store.ChatMessage) (string, error)
}

// Recorder receives pipeline metrics. *metrics.PrometheusExporter implements it.
type Recorder interface {
	ReplyStarted()
	ReplyFinished(operation, status string, latency time.Duration)
	RecordFirstChunk(latency time.Duration)
	RecordChunk(kind string)
	RecordCancellation(class string)
	RecordSummary(status string, latency time.Duration)
}

// Config tunes the reply pipeline.
type Config struct {
	Model            string
	Endpoint         string // path below the provider base URL, or absolute
	SystemPrompt     string
	HistoryThreshold int     // compress once a scope holds more messages than this; 0 disables
	SmoothingSpeed   float64 // base reveal speed, runes per second
	SummaryRate      float64 // background summaries per second
	SummaryTimeout   time.Duration
	PersistTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.SmoothingSpeed <= 0 {
		c.SmoothingSpeed = 60
	}
	if c.SummaryRate <= 0 {
		c.SummaryRate = 0.2
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = 2 * time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
}

// Option configures a Service.
type Option func(*Service)

// WithSummarizer enables background history compression.
func WithSummarizer(s Summarizer) Option {
	return func(svc *Service) { svc.summarizer = s }
}

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(svc *Service) { svc.recorder = r }
}

// WithScheduler sets the frame source of the smoothing queues.
func WithScheduler(newScheduler func() smooth.Scheduler) Option {
	return func(svc *Service) { svc.newScheduler = newScheduler }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// Service is the reply orchestrator.
type Service struct {
	cfg          Config
	store        *chat.ConversationStore
	registry     *registry.Registry
	repo         Repository
	transport    Transport
	summarizer   Summarizer
	recorder     Recorder
	newScheduler func() smooth.Scheduler
	now          func() time.Time

	summaries singleflight.Group
	limiter   *rate.Limiter
	// topic summaries by scope, filled on prompt build and after compression
	summaryCache *cache.LRUCache[string, string]

	// background tracks reply goroutines and history compressions.
	background sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*run // by assistant message id
}

// NewService creates the orchestrator.
func NewService(cs *chat.ConversationStore, reg *registry.Registry, repo Repository, transport Transport, cfg Config, opts ...Option) *Service {
	cfg.setDefaults()
	rootCtx, rootCancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		store:      cs,
		registry:   reg,
		repo:       repo,
		transport:  transport,
		recorder:   nopRecorder{},
		now:        time.Now,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		active:     make(map[string]*run),
	}
	s.summaryCache = cache.NewLRUCache[string, string](summaryCacheSize, summaryCacheTTL)
	s.newScheduler = func() smooth.Scheduler { return smooth.NewIntervalScheduler(smooth.DefaultFrameInterval) }
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.SummaryRate), 1)
	return s
}

// Store returns the conversation store the service writes to.
func (s *Service) Store() *chat.ConversationStore { return s.store }

// Registry returns the cancellation registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// SendMessage appends a user message to scope and streams a reply to it.
func (s *Service) SendMessage(ctx context.Context, scope chat.Scope, content string) (*Reply, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	tempID := newTempID()
	params := store.CreateChatMessage{
		Role:           store.RoleUser,
		Content:        content,
		ConversationID: scope.ConversationID,
		TopicID:        scope.TopicID,
		CreatedTs:      s.now().UnixMilli(),
	}
	s.store.Dispatch(scope, chat.CreateMessage{TempID: tempID, Params: params})

	created, err := s.repo.CreateChatMessage(ctx, &params)
	if err != nil {
		slog.Error("assistant: failed to persist user message", "scope", scope.String(), "error", err)
		s.markCreateFailed(scope, tempID, err)
		s.recorder.ReplyFinished(opSend, statusCreateFailed, 0)
		return finishedReply(tempID, "", StatusCreateFailed), nil
	}
	s.store.Dispatch(scope, chat.UpdateMessage{ID: tempID, Patch: store.UpdateChatMessage{NewID: &created.ID}})

	history, err := chat.ResolveContext(s.store.Messages(scope), created.ID)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return s.startReply(ctx, scope, opSend, created.ID, history)
}

// Regenerate streams a new assistant reply from the context that produced
// id. The target and its siblings stay in place.
func (s *Service) Regenerate(ctx context.Context, scope chat.Scope, id string) (*Reply, error) {
	return s.regenerate(ctx, scope, id, opRegenerate)
}

// Resend regenerates from a user message.
func (s *Service) Resend(ctx context.Context, scope chat.Scope, userMessageID string) (*Reply, error) {
	m := s.store.Message(scope, userMessageID)
	if m == nil {
		return nil, fmt.Errorf("resend %s: %w", userMessageID, chat.ErrMessageNotFound)
	}
	if m.Role != store.RoleUser {
		return nil, ErrNotUserMessage
	}
	return s.regenerate(ctx, scope, userMessageID, opResend)
}

func (s *Service) regenerate(ctx context.Context, scope chat.Scope, id, op string) (*Reply, error) {
	history, err := chat.ResolveContext(s.store.Messages(scope), id)
	if err != nil {
		return nil, fmt.Errorf("regenerate: %w", err)
	}
	return s.startReply(ctx, scope, op, lastUserID(history), history)
}

// DeleteAndRegenerate removes the assistant reply id (with its tool results)
// and streams a replacement from the context resolved before the deletion.
func (s *Service) DeleteAndRegenerate(ctx context.Context, scope chat.Scope, id string) (*Reply, error) {
	snapshot := s.store.Messages(scope)
	history, err := chat.ResolveContext(snapshot, id)
	if err != nil {
		return nil, fmt.Errorf("delete and regenerate: %w", err)
	}
	for _, m := range snapshot {
		if m.ID == id && m.Role != store.RoleAssistant {
			return nil, fmt.Errorf("delete and regenerate %s: %w", id, ErrNotAssistantMessage)
		}
	}

	deleted := chat.WithChainedTools(snapshot, id)
	if err := s.deleteIDs(ctx, scope, deleted); err != nil {
		return nil, fmt.Errorf("delete and regenerate: %w", err)
	}
	// A parentless target is its own cut point; it must not outlive itself
	// in the resubmitted context.
	history = withoutIDs(history, deleted)
	return s.startReply(ctx, scope, opDeleteRegenerate, lastUserID(history), history)
}

func withoutIDs(list []*store.ChatMessage, ids []string) []*store.ChatMessage {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make([]*store.ChatMessage, 0, len(list))
	for _, m := range list {
		if _, ok := drop[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// DeleteMessage removes id and the tool results chained to it.
func (s *Service) DeleteMessage(ctx context.Context, scope chat.Scope, id string) error {
	snapshot := s.store.Messages(scope)
	if s.store.Message(scope, id) == nil {
		return fmt.Errorf("delete %s: %w", id, chat.ErrMessageNotFound)
	}
	return s.deleteIDs(ctx, scope, chat.WithChainedTools(snapshot, id))
}

func (s *Service) deleteIDs(ctx context.Context, scope chat.Scope, ids []string) error {
	for _, id := range ids {
		s.stopRun(id)
	}
	s.store.Dispatch(scope, chat.DeleteMessages{IDs: ids})

	durable := make([]string, 0, len(ids))
	for _, id := range ids {
		if !strings.HasPrefix(id, TempIDPrefix) {
			durable = append(durable, id)
		}
	}
	if err := s.repo.DeleteChatMessages(ctx, &store.DeleteChatMessages{IDs: durable}); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// Cancel aborts every operation registered under class.
func (s *Service) Cancel(class registry.Class) bool {
	if !s.registry.Cancel(class) {
		return false
	}
	s.recorder.RecordCancellation(string(class))
	slog.Info("assistant: canceled operation class", "class", class)
	return true
}

// LoadMessages hydrates scope from persistence. Messages that are still
// optimistic or streaming keep their in-memory state, since their rows lag
// behind until the reply is persisted.
func (s *Service) LoadMessages(ctx context.Context, scope chat.Scope) ([]*store.ChatMessage, error) {
	topicID := scope.TopicID
	loaded, err := s.repo.ListChatMessages(ctx, &store.FindChatMessage{
		ConversationID: scope.ConversationID,
		TopicID:        &topicID,
	})
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	s.store.Hydrate(scope, loaded, s.isLive)
	return s.store.Messages(scope), nil
}

// isLive reports whether m is still owned by this process: not yet confirmed
// by persistence, or under active generation.
func (s *Service) isLive(m *store.ChatMessage) bool {
	return strings.HasPrefix(m.ID, TempIDPrefix) || s.isRunning(m.ID) || s.registry.Active(registry.Generation, m.ID)
}

// WaitBackground blocks until every reply and history compression started so
// far has finished, or ctx is done.
func (s *Service) WaitBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts background compressions. In-flight replies are left to the
// registry.
func (s *Service) Close() {
	s.rootCancel()
}

func (s *Service) markCreateFailed(scope chat.Scope, id string, err error) {
	s.store.Dispatch(scope, chat.UpdateMessage{ID: id, Patch: store.UpdateChatMessage{
		Error: &store.ErrorInfo{Type: store.ErrorTypeCreateFailed, Message: err.Error()},
	}})
}

func (s *Service) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Service) stopRun(id string) {
	s.mu.Lock()
	r := s.active[id]
	s.mu.Unlock()
	if r != nil {
		r.discard()
	}
}

func newTempID() string {
	return TempIDPrefix + shortuuid.New()
}

func lastUserID(history []*store.ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == store.RoleUser {
			return history[i].ID
		}
	}
	return ""
}

type nopRecorder struct{}

func (nopRecorder) ReplyStarted() {}
func (nopRecorder) ReplyFinished(string, string, time.Duration) {}
func (nopRecorder) RecordFirstChunk(time.Duration) {}
func (nopRecorder) RecordChunk(string) {}
func (nopRecorder) RecordCancellation(string) {}
func (nopRecorder) RecordSummary(string, time.Duration) {}
