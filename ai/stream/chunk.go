// Package stream decodes a chunked model completion into typed chunks.
package stream

import "github.com/ishenli/investment-agent/store"

// Kind is the closed set of chunk kinds.
type Kind int

const (
	// KindNoop is a framing or control record with nothing to apply.
	KindNoop Kind = iota
	KindText
	KindReasoning
	KindToolCalls
	KindRelated
	KindGrounding
	KindThoughtChain
	// KindError is terminal: a decode failure or an upstream application error.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindNoop:
		return "noop"
	case KindText:
		return "text"
	case KindReasoning:
		return "reasoning"
	case KindToolCalls:
		return "tool_calls"
	case KindRelated:
		return "related"
	case KindGrounding:
		return "grounding"
	case KindThoughtChain:
		return "thought_chain"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Chunk is one typed unit of incremental model output.
// Only the fields that belong to Kind are set.
type Chunk struct {
	Kind Kind

	// KindText, KindReasoning
	Text string
	// KindReasoning, optional provider signature of the reasoning block.
	Signature string
	// KindToolCalls, the accumulated snapshot of every call seen so far.
	ToolCalls []store.ToolCall
	// KindGrounding
	Citations *store.CitationSet
	// KindRelated
	Related []string
	// KindThoughtChain
	ThoughtChain []store.ThoughtEntry
	// KindError
	Err *store.ErrorInfo

	FinishReason string
}

// IsTerminal reports whether the chunk ends the stream.
func (c Chunk) IsTerminal() bool {
	return c.Kind == KindError
}

// ErrorChunk builds a terminal error chunk.
func ErrorChunk(errType, message string) Chunk {
	return Chunk{Kind: KindError, Err: &store.ErrorInfo{Type: errType, Message: message}}
}
