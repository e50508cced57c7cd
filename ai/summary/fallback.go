package summary

import (
	"strings"

	"github.com/ishenli/investment-agent/ai/internal/strutil"
	"github.com/ishenli/investment-agent/store"
)

// Fallback 抽取式降级摘要：每个用户问题取首句，按时间顺序拼接
func Fallback(messages []*store.ChatMessage, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	var parts []string
	for _, m := range messages {
		if m.Role != store.RoleUser {
			continue
		}
		if s := extractFirstSentence(m.Content); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		for _, m := range messages {
			if s := extractFirstSentence(m.Content); s != "" {
				parts = append(parts, s)
				break
			}
		}
	}

	// Keep the latest questions when everything does not fit.
	return strutil.Tail(strings.Join(parts, " / "), maxLen)
}

// extractFirstSentence 提取第一段的第一句
func extractFirstSentence(content string) string {
	var first string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			first = trimmed
			break
		}
	}
	if first == "" {
		return ""
	}

	// 取最早出现的句末标点
	end := -1
	for _, marker := range []string{"?", "!", ". ", "？", "！", "。"} {
		if idx := strings.Index(first, marker); idx >= 0 {
			stop := idx + len(strings.TrimRight(marker, " "))
			if end < 0 || stop < end {
				end = stop
			}
		}
	}
	if end > 0 {
		return first[:end]
	}
	return first
}
