package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ishenli/investment-agent/store"
)

// providerRecord is an OpenAI-compatible chat.completion.chunk with the
// extension fields our gateway adds for grounding and follow-ups.
type providerRecord struct {
	openai.ChatCompletionStreamResponse

	Grounding          *groundingRecord     `json:"grounding,omitempty"`
	Related            []string             `json:"related,omitempty"`
	ThoughtChain       []store.ThoughtEntry `json:"thought_chain,omitempty"`
	ReasoningSignature string               `json:"reasoning_signature,omitempty"`
	Error              *errorRecord         `json:"error,omitempty"`
}

type groundingRecord struct {
	Citations     []store.Citation `json:"citations,omitempty"`
	SearchQueries []string         `json:"searchQueries,omitempty"`
}

type errorRecord struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

// Classifier maps decoded payloads to chunks.
// It keeps per-stream state, so use one Classifier per stream.
type Classifier struct {
	toolCalls []store.ToolCall
	byIndex   map[int]int
	finished  bool
}

// NewClassifier creates a classifier for one stream.
func NewClassifier() *Classifier {
	return &Classifier{byIndex: make(map[int]int)}
}

// ToolCalls returns a snapshot of the accumulated tool calls.
func (c *Classifier) ToolCalls() []store.ToolCall {
	if len(c.toolCalls) == 0 {
		return nil
	}
	return append([]store.ToolCall(nil), c.toolCalls...)
}

// Classify turns one payload into exactly one chunk.
func (c *Classifier) Classify(payload string) Chunk {
	raw := bytes.TrimSpace([]byte(payload))
	if len(raw) == 0 {
		return Chunk{Kind: KindNoop}
	}

	if raw[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(raw, &records); err != nil {
			return ErrorChunk(store.ErrorTypeDecode, err.Error())
		}
		return c.classifyBatch(records)
	}

	var rec providerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ErrorChunk(store.ErrorTypeDecode, err.Error())
	}
	return c.classifyRecord(&rec)
}

// classifyBatch folds an array of records into one chunk. Consecutive text or
// reasoning deltas are concatenated; otherwise the first non-noop chunk wins.
func (c *Classifier) classifyBatch(records []json.RawMessage) Chunk {
	var out Chunk
	for _, r := range records {
		chunk := c.Classify(string(r))
		switch {
		case chunk.Kind == KindNoop:
			continue
		case out.Kind == KindNoop:
			out = chunk
		case chunk.Kind == KindError:
			return chunk
		case out.Kind == chunk.Kind && (chunk.Kind == KindText || chunk.Kind == KindReasoning):
			out.Text += chunk.Text
		case out.Kind == chunk.Kind && chunk.Kind == KindToolCalls:
			out = chunk
		}
	}
	return out
}

func (c *Classifier) classifyRecord(rec *providerRecord) Chunk {
	if rec.Error != nil {
		errType := rec.Error.Type
		if errType == "" {
			errType = store.ErrorTypeUpstream
		}
		return ErrorChunk(errType, rec.Error.Message)
	}

	if len(rec.Choices) > 0 {
		choice := rec.Choices[0]
		delta := choice.Delta
		finish := string(choice.FinishReason)

		if len(delta.ToolCalls) > 0 {
			c.accumulate(delta.ToolCalls)
			if finish != "" {
				c.finish()
			}
			return Chunk{Kind: KindToolCalls, ToolCalls: c.ToolCalls(), FinishReason: finish}
		}
		// A finish_reason closes the open calls. Text in the same record is
		// still emitted, carrying the finished calls along.
		var closed []store.ToolCall
		if finish != "" && len(c.toolCalls) > 0 && !c.finished {
			c.finish()
			closed = c.ToolCalls()
		}
		if delta.ReasoningContent != "" {
			return Chunk{Kind: KindReasoning, Text: delta.ReasoningContent, Signature: rec.ReasoningSignature, ToolCalls: closed, FinishReason: finish}
		}
		if delta.Content != "" {
			return Chunk{Kind: KindText, Text: delta.Content, ToolCalls: closed, FinishReason: finish}
		}
		if closed != nil {
			return Chunk{Kind: KindToolCalls, ToolCalls: closed, FinishReason: finish}
		}
	}

	if rec.ReasoningSignature != "" {
		return Chunk{Kind: KindReasoning, Signature: rec.ReasoningSignature}
	}
	if rec.Grounding != nil && (len(rec.Grounding.Citations) > 0 || len(rec.Grounding.SearchQueries) > 0) {
		return Chunk{Kind: KindGrounding, Citations: &store.CitationSet{
			Items:         rec.Grounding.Citations,
			SearchQueries: rec.Grounding.SearchQueries,
		}}
	}
	if len(rec.Related) > 0 {
		return Chunk{Kind: KindRelated, Related: rec.Related}
	}
	if len(rec.ThoughtChain) > 0 {
		return Chunk{Kind: KindThoughtChain, ThoughtChain: rec.ThoughtChain}
	}
	return Chunk{Kind: KindNoop}
}

// accumulate concatenates argument fragments keyed by the upstream call index.
func (c *Classifier) accumulate(deltas []openai.ToolCall) {
	for i, tc := range deltas {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		pos, ok := c.byIndex[index]
		if !ok {
			c.byIndex[index] = len(c.toolCalls)
			c.toolCalls = append(c.toolCalls, store.ToolCall{
				ID:        tc.ID,
				Type:      defaultString(string(tc.Type), string(openai.ToolTypeFunction)),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				Index:     index,
			})
			c.finished = false
			continue
		}
		call := &c.toolCalls[pos]
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if call.Name == "" {
			call.Name = tc.Function.Name
		}
		call.Arguments += tc.Function.Arguments
	}
}

func (c *Classifier) finish() {
	for i := range c.toolCalls {
		c.toolCalls[i].Finished = true
	}
	c.finished = true
}

func defaultString(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
