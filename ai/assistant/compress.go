package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ishenli/investment-agent/ai/chat"
	"github.com/ishenli/investment-agent/ai/core/llm"
	"github.com/ishenli/investment-agent/store"
)

const summaryPrefix = "Summary of the earlier conversation:\n"

const (
	summaryCacheSize = 256
	summaryCacheTTL  = 10 * time.Minute
)

// maybeCompress summarizes scope in the background once it holds more than
// HistoryThreshold messages. Calls are deduplicated per scope and throttled.
func (s *Service) maybeCompress(scope chat.Scope) {
	if s.summarizer == nil || s.cfg.HistoryThreshold <= 0 {
		return
	}
	messages := s.store.Messages(scope)
	if len(messages) <= s.cfg.HistoryThreshold {
		return
	}
	if !s.limiter.Allow() {
		slog.Debug("assistant: history compression throttled", "scope", scope.String(), "messages", len(messages))
		s.recorder.RecordSummary("throttled", 0)
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		_, err, shared := s.summaries.Do(scope.String(), func() (any, error) {
			return nil, s.compress(scope, messages)
		})
		if err != nil {
			slog.Warn("assistant: history compression failed", "scope", scope.String(), "error", err)
			return
		}
		slog.Debug("assistant: history compressed", "scope", scope.String(), "messages", len(messages), "shared", shared)
	}()
}

func (s *Service) compress(scope chat.Scope, messages []*store.ChatMessage) error {
	ctx, cancel := context.WithTimeout(s.rootCtx, s.cfg.SummaryTimeout)
	defer cancel()

	start := s.now()
	settled := make([]*store.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if strings.HasPrefix(m.ID, TempIDPrefix) || s.isRunning(m.ID) {
			continue
		}
		settled = append(settled, m)
	}

	summary, err := s.summarizer.Summarize(ctx, settled)
	if err != nil {
		s.recorder.RecordSummary("error", s.now().Sub(start))
		return fmt.Errorf("summarize %s: %w", scope, err)
	}

	err = s.repo.UpsertChatTopicSummary(ctx, &store.UpsertChatTopicSummary{
		ConversationID: scope.ConversationID,
		TopicID:        scope.TopicID,
		Summary:        summary,
		SummaryTs:      s.now().UnixMilli(),
	})
	if err != nil {
		s.recorder.RecordSummary("error", s.now().Sub(start))
		return fmt.Errorf("store summary of %s: %w", scope, err)
	}
	s.summaryCache.Set(scope.String(), summary)
	s.recorder.RecordSummary("success", s.now().Sub(start))
	return nil
}

// buildPrompt turns the resolved history into the request messages. A stored
// summary replaces the older part of a long history.
func (s *Service) buildPrompt(ctx context.Context, scope chat.Scope, history []*store.ChatMessage) []llm.Message {
	var out []llm.Message
	if s.cfg.SystemPrompt != "" {
		out = append(out, llm.SystemPrompt(s.cfg.SystemPrompt))
	}

	if summary := s.topicSummary(ctx, scope); summary != "" {
		out = append(out, llm.SystemPrompt(summaryPrefix+summary))
		history = recentHistory(history, s.cfg.HistoryThreshold)
	}

	for _, m := range history {
		if msg, ok := toLLMMessage(m); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (s *Service) topicSummary(ctx context.Context, scope chat.Scope) string {
	if summary, ok := s.summaryCache.Get(scope.String()); ok {
		return summary
	}
	topic, err := s.repo.GetChatTopic(ctx, &store.FindChatTopic{ConversationID: scope.ConversationID, TopicID: scope.TopicID})
	if err != nil {
		slog.Warn("assistant: failed to load topic summary", "scope", scope.String(), "error", err)
		return ""
	}
	// 没有摘要时不缓存，压缩完成后会直接写入
	if topic == nil || topic.Summary == "" {
		return ""
	}
	s.summaryCache.Set(scope.String(), topic.Summary)
	return topic.Summary
}

// recentHistory keeps the last n messages, starting on a user turn.
func recentHistory(history []*store.ChatMessage, n int) []*store.ChatMessage {
	if n <= 0 || len(history) <= n {
		return history
	}
	recent := history[len(history)-n:]
	for i, m := range recent {
		if m.Role == store.RoleUser {
			return recent[i:]
		}
	}
	return recent
}

func toLLMMessage(m *store.ChatMessage) (llm.Message, bool) {
	msg := llm.Message{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:       tc.ID,
			Type:     tc.Type,
			Function: llm.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	if m.Role == store.RoleAssistant && m.Content == "" && len(msg.ToolCalls) == 0 {
		return llm.Message{}, false
	}
	if m.Role == store.RoleUser && m.Error != nil && m.Error.Type == store.ErrorTypeCreateFailed {
		return llm.Message{}, false
	}
	return msg, true
}
