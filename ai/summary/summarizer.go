// Package summary compresses long conversation histories into a short
// running summary that is sent ahead of later turns.
package summary

import (
	"context"
	"time"

	"github.com/ishenli/investment-agent/store"
)

// Summarizer 压缩对话历史
type Summarizer interface {
	Summarize(ctx context.Context, messages []*store.ChatMessage) (string, error)
}

// Result 摘要结果
type Result struct {
	Summary string
	Source  string // "llm" | "fallback"
	Latency time.Duration
}

const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"

	// DefaultMaxLen 摘要最大长度（rune）
	DefaultMaxLen = 600
	// maxTranscript 送入 LLM 的对话文本上限（rune）
	maxTranscript = 24000
)
