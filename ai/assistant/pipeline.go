package assistant

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ishenli/investment-agent/ai/chat"
	"github.com/ishenli/investment-agent/ai/core/llm"
	"github.com/ishenli/investment-agent/ai/registry"
	"github.com/ishenli/investment-agent/ai/smooth"
	"github.com/ishenli/investment-agent/ai/stream"
	"github.com/ishenli/investment-agent/store"
)

// errTerminalChunk stops decoding after an error chunk was applied.
var errTerminalChunk = errors.New("assistant: terminal chunk")

// run is the state of one streaming reply.
type run struct {
	svc   *Service
	scope chat.Scope
	id    string
	op    string
	reply *Reply
	start time.Time

	ctx  context.Context // canceled by any abort that owns this reply
	stop context.CancelFunc

	classifier *stream.Classifier
	textQ      *smooth.Queue
	reasonQ    *smooth.Queue

	discarded atomic.Bool
	unwatch   []func() bool

	sawChunk       bool
	reasoningStart time.Time
	reasoningMs    int64
	reasoningOn    bool
	reasoningEnded bool
	toolsOn        bool
	searchOn       bool
	thoughts       []store.ThoughtEntry
	errInfo        *store.ErrorInfo

	sigMu     sync.Mutex
	signature string
}

// startReply creates the optimistic assistant placeholder, persists it and
// starts streaming in the background.
func (s *Service) startReply(ctx context.Context, scope chat.Scope, op, parentID string, history []*store.ChatMessage) (*Reply, error) {
	tempID := newTempID()
	params := store.CreateChatMessage{
		Role:           store.RoleAssistant,
		ParentID:       parentID,
		ConversationID: scope.ConversationID,
		TopicID:        scope.TopicID,
		CreatedTs:      s.now().UnixMilli(),
	}
	s.store.Dispatch(scope, chat.CreateMessage{TempID: tempID, Params: params})
	first := s.registry.Toggle(registry.Generation, true, tempID)

	created, err := s.repo.CreateChatMessage(ctx, &params)
	if err != nil {
		slog.Error("assistant: failed to persist reply placeholder", "scope", scope.String(), "error", err)
		s.markCreateFailed(scope, tempID, err)
		s.registry.Toggle(registry.Generation, false, tempID)
		s.recorder.ReplyFinished(op, statusCreateFailed, 0)
		return finishedReply(parentID, tempID, StatusCreateFailed), nil
	}

	// Register the durable id before dropping the temporary one so the class
	// handle is not released in between.
	id := created.ID
	handle := s.registry.Toggle(registry.Generation, true, id)
	s.registry.Toggle(registry.Generation, false, tempID)
	s.store.Dispatch(scope, chat.UpdateMessage{ID: tempID, Patch: store.UpdateChatMessage{NewID: &id}})

	r := s.newRun(scope, op, id, parentID, handle)
	if first.Aborted() {
		r.stop()
	}

	s.mu.Lock()
	s.active[id] = r
	s.mu.Unlock()

	s.background.Add(1)
	s.recorder.ReplyStarted()
	go s.run(r, history)

	slog.Debug("assistant: reply started", "scope", scope.String(), "op", op, "id", id, "parent_id", parentID)
	return r.reply, nil
}

func (s *Service) newRun(scope chat.Scope, op, id, parentID string, handle *registry.AbortHandle) *run {
	ctx, stop := context.WithCancel(handle.Context())
	r := &run{
		svc:        s,
		scope:      scope,
		id:         id,
		op:         op,
		reply:      newReply(parentID, id),
		start:      s.now(),
		ctx:        ctx,
		stop:       stop,
		classifier: stream.NewClassifier(),
	}

	r.textQ = smooth.NewQueue(s.newScheduler(), func(_, text string) {
		s.store.Dispatch(scope, chat.UpdateMessage{ID: id, Patch: store.UpdateChatMessage{Content: &text}})
	})
	r.reasonQ = smooth.NewQueue(s.newScheduler(), func(_, text string) {
		s.store.Dispatch(scope, chat.UpdateMessage{ID: id, Patch: store.UpdateChatMessage{
			Reasoning: &store.Reasoning{Content: text, Signature: r.getSignature()},
		}})
	})
	r.textQ.StopOn(ctx.Done())
	r.reasonQ.StopOn(ctx.Done())
	return r
}

func (s *Service) run(r *run, history []*store.ChatMessage) {
	defer s.background.Done()

	err := s.stream(r, history)
	status := s.finalize(r, err)

	metricStatus := string(status)
	switch status {
	case StatusSucceeded:
		metricStatus = "success"
	case StatusFailed:
		metricStatus = "error"
	}
	s.recorder.ReplyFinished(r.op, metricStatus, s.now().Sub(r.start))
	slog.Info("assistant: reply finished",
		"scope", r.scope.String(),
		"op", r.op,
		"id", r.id,
		"status", status,
		"duration_ms", s.now().Sub(r.start).Milliseconds(),
	)

	r.reply.finish(status)
	if status == StatusSucceeded {
		s.maybeCompress(r.scope)
	}
}

func (s *Service) stream(r *run, history []*store.ChatMessage) error {
	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}
	req := llm.NewStreamRequest(s.cfg.Model, s.buildPrompt(r.ctx, r.scope, history))
	body, err := s.transport.OpenStream(r.ctx, s.cfg.Endpoint, req)
	if err != nil {
		return err
	}
	defer body.Close()

	return stream.Decode(body, func(payload string) error {
		return r.apply(r.classifier.Classify(payload))
	})
}

// apply routes one chunk: text and reasoning go through the smoothing
// queues, discrete chunks are dispatched directly.
func (r *run) apply(chunk stream.Chunk) error {
	s := r.svc
	s.recorder.RecordChunk(chunk.Kind.String())
	if chunk.Kind != stream.KindNoop && !r.sawChunk {
		r.sawChunk = true
		s.recorder.RecordFirstChunk(s.now().Sub(r.start))
	}

	switch chunk.Kind {
	case stream.KindNoop:

	case stream.KindText:
		r.endReasoning()
		if len(chunk.ToolCalls) > 0 {
			r.applyToolCalls(chunk.ToolCalls)
		}
		r.textQ.PushToQueue(chunk.Text)
		r.textQ.StartAnimation(s.cfg.SmoothingSpeed)

	case stream.KindReasoning:
		if len(chunk.ToolCalls) > 0 {
			r.applyToolCalls(chunk.ToolCalls)
		}
		r.beginReasoning()
		if chunk.Signature != "" {
			r.setSignature(chunk.Signature)
		}
		r.reasonQ.PushToQueue(chunk.Text)
		r.reasonQ.StartAnimation(s.cfg.SmoothingSpeed)

	case stream.KindToolCalls:
		r.endReasoning()
		r.applyToolCalls(chunk.ToolCalls)

	case stream.KindGrounding:
		searching := len(chunk.Citations.Items) == 0 && len(chunk.Citations.SearchQueries) > 0
		switch {
		case searching && !r.searchOn:
			r.searchOn = true
			r.watch(s.registry.Toggle(registry.SearchWorkflow, true, r.id))
		case !searching && r.searchOn:
			r.searchOn = false
			s.registry.Toggle(registry.SearchWorkflow, false, r.id)
		}
		r.dispatch(store.UpdateChatMessage{Citations: chunk.Citations})

	case stream.KindRelated:
		related := chunk.Related
		r.dispatch(store.UpdateChatMessage{Related: &related})

	case stream.KindThoughtChain:
		r.thoughts = mergeThoughts(r.thoughts, chunk.ThoughtChain)
		thoughts := append([]store.ThoughtEntry(nil), r.thoughts...)
		r.dispatch(store.UpdateChatMessage{ThoughtChain: &thoughts})

	case stream.KindError:
		r.errInfo = chunk.Err
		return errTerminalChunk
	}
	return nil
}

// applyToolCalls dispatches the accumulated calls and keeps the tool-calling
// class engaged while any of them is still streaming.
func (r *run) applyToolCalls(calls []store.ToolCall) {
	reg := r.svc.registry
	finished := allFinished(calls)
	if !finished && !r.toolsOn {
		r.toolsOn = true
		r.watch(reg.Toggle(registry.ToolCallingStream, true, r.id))
	}
	r.dispatch(store.UpdateChatMessage{ToolCalls: &calls})
	if finished && r.toolsOn {
		r.toolsOn = false
		reg.Toggle(registry.ToolCallingStream, false, r.id)
	}
}

// finalize settles the reply after the stream ended and returns its status.
func (s *Service) finalize(r *run, streamErr error) Status {
	defer r.release()

	var status Status
	switch {
	case r.ctx.Err() != nil:
		status = StatusCanceled
	case streamErr == nil:
		// Trailing text must reach the record, so wait for both queues.
		<-r.reasonQ.StartAnimation(s.cfg.SmoothingSpeed)
		<-r.textQ.StartAnimation(s.cfg.SmoothingSpeed)
		status = StatusSucceeded
		if r.ctx.Err() != nil {
			status = StatusCanceled
		}
	default:
		r.errInfo = classifyStreamError(streamErr, r.errInfo)
		status = StatusFailed
	}
	if status != StatusSucceeded {
		r.textQ.StopAnimation()
		r.reasonQ.StopAnimation()
	}
	r.endReasoning()

	if r.discarded.Load() {
		return status
	}

	now := s.now().UnixMilli()
	text := r.textQ.Text()
	patch := store.UpdateChatMessage{Content: &text, UpdatedTs: &now}
	if !r.reasoningStart.IsZero() {
		patch.Reasoning = &store.Reasoning{Content: r.reasonQ.Text(), Signature: r.getSignature(), DurationMs: r.reasoningMs}
	}
	if calls := r.classifier.ToolCalls(); len(calls) > 0 {
		patch.ToolCalls = &calls
	}
	if r.errInfo != nil {
		patch.Error = r.errInfo
	} else {
		patch.ClearError = true
	}
	if status == StatusCanceled {
		canceled := true
		patch.Canceled = &canceled
	}
	s.store.Dispatch(r.scope, chat.UpdateMessage{ID: r.id, Patch: patch})
	s.persist(r)
	return status
}

// persist writes the final state of the message.
func (s *Service) persist(r *run) {
	m := s.store.Message(r.scope, r.id)
	if m == nil {
		return
	}
	update := &store.UpdateChatMessage{
		ID:           m.ID,
		Content:      &m.Content,
		Reasoning:    m.Reasoning,
		Citations:    m.Citations,
		ToolCalls:    &m.ToolCalls,
		Related:      &m.Related,
		ThoughtChain: &m.ThoughtChain,
		Error:        m.Error,
		ClearError:   m.Error == nil,
		Canceled:     &m.Canceled,
		UpdatedTs:    &m.UpdatedTs,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.repo.UpdateChatMessage(ctx, update); err != nil {
		slog.Error("assistant: failed to persist reply", "scope", r.scope.String(), "id", r.id, "error", err)
	}
}

// release clears the reply from every class and from the active set.
func (r *run) release() {
	for _, unwatch := range r.unwatch {
		unwatch()
	}
	r.stop()
	for _, class := range registry.Classes {
		r.svc.registry.Toggle(class, false, r.id)
	}
	r.svc.mu.Lock()
	delete(r.svc.active, r.id)
	r.svc.mu.Unlock()
}

// discard stops a reply whose message was deleted. Nothing is written back.
func (r *run) discard() {
	r.discarded.Store(true)
	r.stop()
}

// watch ties the reply's stream to another class handle.
func (r *run) watch(h *registry.AbortHandle) {
	if h == nil {
		return
	}
	r.unwatch = append(r.unwatch, context.AfterFunc(h.Context(), r.stop))
}

func (r *run) dispatch(patch store.UpdateChatMessage) {
	r.svc.store.Dispatch(r.scope, chat.UpdateMessage{ID: r.id, Patch: patch})
}

func (r *run) beginReasoning() {
	if !r.reasoningStart.IsZero() {
		return
	}
	r.reasoningStart = r.svc.now()
	r.reasoningOn = true
	h := r.svc.registry.Toggle(registry.Reasoning, true, r.id)
	r.reasonQ.StopOn(h.Done())
}

func (r *run) endReasoning() {
	if !r.reasoningOn || r.reasoningEnded {
		return
	}
	r.reasoningEnded = true
	r.reasoningMs = r.svc.now().Sub(r.reasoningStart).Milliseconds()
	r.svc.registry.Toggle(registry.Reasoning, false, r.id)
}

func (r *run) setSignature(sig string) {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	r.signature = sig
}

func (r *run) getSignature() string {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	return r.signature
}

func classifyStreamError(err error, current *store.ErrorInfo) *store.ErrorInfo {
	if errors.Is(err, errTerminalChunk) && current != nil {
		return current
	}
	if errors.Is(err, stream.ErrMalformedFrame) {
		return &store.ErrorInfo{Type: store.ErrorTypeDecode, Message: err.Error()}
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		return &store.ErrorInfo{Type: store.ErrorTypeUpstream, Message: statusErr.Error()}
	}
	return &store.ErrorInfo{Type: store.ErrorTypeTransport, Message: err.Error()}
}

func allFinished(calls []store.ToolCall) bool {
	if len(calls) == 0 {
		return false
	}
	for _, c := range calls {
		if !c.Finished {
			return false
		}
	}
	return true
}

// mergeThoughts updates entries with a known title in place and appends new ones.
func mergeThoughts(current, incoming []store.ThoughtEntry) []store.ThoughtEntry {
	for _, in := range incoming {
		replaced := false
		if in.Title != "" {
			for i := range current {
				if current[i].Title == in.Title {
					current[i] = in
					replaced = true
					break
				}
			}
		}
		if !replaced {
			current = append(current, in)
		}
	}
	return current
}
