package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ishenli/investment-agent/ai/core/llm"
	"github.com/ishenli/investment-agent/ai/filter"
	"github.com/ishenli/investment-agent/ai/internal/strutil"
	"github.com/ishenli/investment-agent/store"
)

var _ Summarizer = (*HistorySummarizer)(nil)

// HistorySummarizer 使用 LLM 生成历史摘要，LLM 不可用或失败时降级为抽取式摘要
type HistorySummarizer struct {
	llm      llm.Service
	redactor *filter.Redactor
	timeout  time.Duration
	maxLen   int
}

// NewHistorySummarizer creates a summarizer. llmSvc may be nil.
func NewHistorySummarizer(llmSvc llm.Service) *HistorySummarizer {
	return &HistorySummarizer{
		llm:      llmSvc,
		redactor: filter.New(filter.DefaultConfig()),
		timeout:  30 * time.Second,
		maxLen:   DefaultMaxLen,
	}
}

// Summarize implements Summarizer.
func (s *HistorySummarizer) Summarize(ctx context.Context, messages []*store.ChatMessage) (string, error) {
	res, err := s.SummarizeWithSource(ctx, messages)
	if err != nil {
		return "", err
	}
	return res.Summary, nil
}

// SummarizeWithSource also reports which path produced the summary.
func (s *HistorySummarizer) SummarizeWithSource(ctx context.Context, messages []*store.ChatMessage) (*Result, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("summarize: empty history")
	}
	if s.llm == nil {
		return s.fallback(messages), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := fmt.Sprintf(`请用不超过 %d 字总结以下投资助理对话，保留用户持仓、关注标的、结论与待办：

%s

请直接返回JSON格式：{"summary": "生成的摘要"}`, s.maxLen, transcript(messages, s.redactor))

	content, stats, err := s.llm.Chat(ctx, []llm.Message{
		llm.SystemPrompt(historySystemPrompt),
		llm.UserMessage(prompt),
	})
	if err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return nil, fmt.Errorf("summarize: %w", err)
		}
		slog.Warn("summary: LLM failed, using fallback", "error", err)
		return s.fallback(messages), nil
	}

	summary := strutil.Head(parseSummary(content), s.maxLen)
	if summary == "" {
		return s.fallback(messages), nil
	}
	return &Result{
		Summary: summary,
		Source:  SourceLLM,
		Latency: time.Duration(stats.TotalDurationMs) * time.Millisecond,
	}, nil
}

func (s *HistorySummarizer) fallback(messages []*store.ChatMessage) *Result {
	return &Result{Summary: s.redactor.Redact(Fallback(messages, s.maxLen)), Source: SourceFallback}
}

// transcript renders the dialogue turns with identifiers masked, keeping the
// most recent text when the history is too long.
func transcript(messages []*store.ChatMessage, redactor *filter.Redactor) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, redactor.Redact(strings.TrimSpace(m.Content)))
	}
	return strutil.Tail(b.String(), maxTranscript)
}

func parseSummary(content string) string {
	// Strip markdown code block wrapper if present
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var result struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(content), &result); err == nil && result.Summary != "" {
		return strings.TrimSpace(result.Summary)
	}
	return content
}

const historySystemPrompt = `你是一个对话压缩助手。你的任务是把较长的投资助理对话压缩成一段摘要，供后续对话作为背景。

要求：
1. 保留用户的持仓、风险偏好、关注的标的和已得出的结论
2. 使用与对话一致的语言
3. 不要添加对话中没有的观点
4. 返回JSON格式：{"summary": "生成的摘要"}`
