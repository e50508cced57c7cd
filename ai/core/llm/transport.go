package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ishenli/investment-agent/ai/internal/strutil"
)

// ChatCompletionsPath is the default streaming endpoint.
const ChatCompletionsPath = "/chat/completions"

// maxErrorBody bounds how much of a failed response is read; maxErrorText
// bounds the runes kept on the error, which ends up on the chat message.
const (
	maxErrorBody = 4 << 10
	maxErrorText = 512
)

// StatusError is returned by OpenStream when the endpoint rejects the request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream endpoint returned %d: %s", e.StatusCode, e.Body)
}

// StreamTransport opens raw server-sent-event completion streams.
// The body is returned undecoded so callers see every frame.
type StreamTransport struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewStreamTransport creates a transport for cfg's provider.
func NewStreamTransport(cfg *Config) (*StreamTransport, error) {
	baseURL, err := cfg.ResolveBaseURL()
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		// No overall timeout: a stream lives as long as its context.
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.timeout(),
		},
	}
	return &StreamTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  client,
	}, nil
}

// WithHTTPClient replaces the underlying client.
func (t *StreamTransport) WithHTTPClient(c *http.Client) *StreamTransport {
	t.client = c
	return t
}

// Model is the default model of streamed requests.
func (t *StreamTransport) Model() string {
	return t.model
}

// NewStreamRequest builds a streaming completion request.
func NewStreamRequest(model string, messages []Message) *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{
		Model:    model,
		Messages: ConvertMessages(messages),
		Stream:   true,
	}
}

// OpenStream posts body to endpoint and returns the response body.
// endpoint is either absolute or a path below the provider base URL.
// Canceling ctx aborts the read.
func (t *StreamTransport) OpenStream(ctx context.Context, endpoint string, body *openai.ChatCompletionRequest) (io.ReadCloser, error) {
	if endpoint == "" {
		endpoint = ChatCompletionsPath
	}
	url := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		url = t.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	}

	req := *body
	req.Stream = true
	if req.Model == "" {
		req.Model = t.model
	}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	slog.Debug("LLM: opening stream", "url", url, "model", req.Model, "messages", len(req.Messages))
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strutil.Truncate(strings.TrimSpace(string(data)), maxErrorText)}
	}
	return resp.Body, nil
}
