package assistant

import (
	"context"
	"sync"
)

// Status is the lifecycle state of a reply.
type Status string

const (
	StatusStreaming    Status = "streaming"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
	StatusCreateFailed Status = "create_failed"
)

// Operation labels.
const (
	opSend             = "send"
	opRegenerate       = "regenerate"
	opResend           = "resend"
	opDeleteRegenerate = "delete_regenerate"

	statusCreateFailed = "create_failed"
)

// Reply tracks one assistant reply.
type Reply struct {
	UserMessageID      string
	AssistantMessageID string

	done chan struct{}

	mu     sync.Mutex
	status Status
}

func newReply(userID, assistantID string) *Reply {
	return &Reply{
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
		done:               make(chan struct{}),
		status:             StatusStreaming,
	}
}

func finishedReply(userID, assistantID string, status Status) *Reply {
	r := newReply(userID, assistantID)
	r.finish(status)
	return r
}

// Wait blocks until the reply is fully rendered and persisted. Canceled and
// failed replies are not errors; read Status. Only ctx ends the wait early.
func (r *Reply) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the reply is final.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

func (r *Reply) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Reply) finish(status Status) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	close(r.done)
}
