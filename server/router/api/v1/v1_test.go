package v1

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ishenli/investment-agent/ai/assistant"
	"github.com/ishenli/investment-agent/ai/chat"
	"github.com/ishenli/investment-agent/ai/registry"
	"github.com/ishenli/investment-agent/ai/smooth"
	"github.com/ishenli/investment-agent/internal/profile"
	"github.com/ishenli/investment-agent/store"
	"github.com/ishenli/investment-agent/store/db/sqlite"
)

// mockTransport returns a fresh body per call; the first return value is a
// func(ctx) io.ReadCloser.
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) OpenStream(ctx context.Context, endpoint string, body *openai.ChatCompletionRequest) (io.ReadCloser, error) {
	args := m.Called(ctx, endpoint, body)
	if fn, ok := args.Get(0).(func(context.Context) io.ReadCloser); ok {
		return fn(ctx), args.Error(1)
	}
	return nil, args.Error(1)
}

func streamOf(frames ...string) func(context.Context) io.ReadCloser {
	return func(context.Context) io.ReadCloser {
		return io.NopCloser(strings.NewReader(strings.Join(frames, "")))
	}
}

// blockingStream emits text and then holds the stream open until ctx ends.
func blockingStream(text string) func(context.Context) io.ReadCloser {
	return func(ctx context.Context) io.ReadCloser {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write([]byte(textFrame(text)))
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return pr
	}
}

func textFrame(s string) string {
	data, _ := json.Marshal(s)
	return `data: {"choices":[{"index":0,"delta":{"content":` + string(data) + `}}]}` + "\n\n"
}

type testEnv struct {
	echo      *echo.Echo
	service   *assistant.Service
	transport *mockTransport
	store     *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	prof := &profile.Profile{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "api.db")}
	driver, err := sqlite.NewDB(prof)
	require.NoError(t, err)
	st := store.New(driver, prof)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	transport := &mockTransport{}
	svc := assistant.NewService(
		chat.NewConversationStore(),
		registry.New(registry.NewWorkGuard()),
		st,
		transport,
		assistant.Config{SmoothingSpeed: 100000},
		assistant.WithScheduler(func() smooth.Scheduler { return smooth.NewIntervalScheduler(time.Millisecond) }),
	)
	t.Cleanup(svc.Close)

	e := echo.New()
	require.NoError(t, NewAPIV1Service(prof, svc).RegisterGateway(context.Background(), e))
	return &testEnv{echo: e, service: svc, transport: transport, store: st}
}

func (env *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateMessageAndList(t *testing.T) {
	env := newTestEnv(t)
	env.transport.On("OpenStream", mock.Anything, "", mock.Anything).
		Return(streamOf(textFrame("Cash is 12% of the portfolio."), "data: [DONE]\n\n"), nil).Once()

	rec := env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages?wait=true", `{"content":"How much cash do I hold?"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reply := decode[Reply](t, rec)
	assert.Equal(t, string(assistant.StatusSucceeded), reply.Status)
	require.NotNil(t, reply.Message)
	assert.Equal(t, "Cash is 12% of the portfolio.", reply.Message.Content)
	assert.Equal(t, reply.UserMessageID, reply.Message.ParentID)
	assert.False(t, reply.Message.Pending)

	rec = env.do(t, http.MethodGet, "/api/v1/conversations/c1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode[[]*Message](t, rec)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "How much cash do I hold?", messages[0].Content)
	assert.Equal(t, "Cash is 12% of the portfolio.", messages[1].Content)

	// Persisted, not only held in memory.
	topic := ""
	stored, err := env.store.ListChatMessages(context.Background(), &store.FindChatMessage{ConversationID: "c1", TopicID: &topic})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Cash is 12% of the portfolio.", stored[1].Content)

	// Topics are separate scopes.
	rec = env.do(t, http.MethodGet, "/api/v1/conversations/c1/messages?topic=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]*Message](t, rec))

	env.transport.AssertExpectations(t)
}

func TestCreateMessageValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.transport.AssertNotCalled(t, "OpenStream", mock.Anything, mock.Anything, mock.Anything)
}

func TestReplyRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.transport.On("OpenStream", mock.Anything, "", mock.Anything).
		Return(streamOf(textFrame("Bonds returned 1%."), "data: [DONE]\n\n"), nil)

	rec := env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages?wait=true", `{"content":"Bond returns?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[Reply](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages/"+first.AssistantMessageID+"/regenerate?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	regenerated := decode[Reply](t, rec)
	assert.Equal(t, first.UserMessageID, regenerated.UserMessageID)
	assert.NotEqual(t, first.AssistantMessageID, regenerated.AssistantMessageID)

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages/"+first.AssistantMessageID+"/resend", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages/"+first.UserMessageID+"/resend?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages/"+first.UserMessageID+"/delete-regenerate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages/"+regenerated.AssistantMessageID+"/delete-regenerate?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/conversations/c1/messages", "")
	messages := decode[[]*Message](t, rec)
	// user, first answer, resend answer, delete-regenerate answer
	require.Len(t, messages, 4)
	for _, m := range messages {
		assert.NotEqual(t, regenerated.AssistantMessageID, m.ID)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/conversations/c1/messages/"+first.AssistantMessageID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/conversations/c1/messages", "")
	assert.Len(t, decode[[]*Message](t, rec), 3)

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages/missing/regenerate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/conversations/c1/messages/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOperation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/operations/everything/cancel", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/operations/generation/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[CancelResponse](t, rec).Canceled)

	env.transport.On("OpenStream", mock.Anything, "", mock.Anything).
		Return(blockingStream("Checking your"), nil).Once()
	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":"Summarize my week"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	reply := decode[Reply](t, rec)
	assert.Equal(t, string(assistant.StatusStreaming), reply.Status)

	scope := chat.Scope{ConversationID: "c1"}
	require.Eventually(t, func() bool {
		m := env.service.Store().Message(scope, reply.AssistantMessageID)
		return m != nil && m.Content == "Checking your"
	}, 2*time.Second, 5*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/v1/operations", "")
	operations := decode[[]*Operation](t, rec)
	require.Len(t, operations, 1)
	assert.Equal(t, "generation", operations[0].Class)
	assert.Equal(t, []string{reply.AssistantMessageID}, operations[0].IDs)

	rec = env.do(t, http.MethodPost, "/api/v1/operations/search_workflow/cancel", "")
	assert.False(t, decode[CancelResponse](t, rec).Canceled)

	rec = env.do(t, http.MethodPost, "/api/v1/operations/generation/cancel", "")
	assert.True(t, decode[CancelResponse](t, rec).Canceled)

	require.NoError(t, env.service.WaitBackground(context.Background()))
	m := env.service.Store().Message(scope, reply.AssistantMessageID)
	require.NotNil(t, m)
	assert.True(t, m.Canceled)
	assert.Nil(t, m.Error)
	assert.Equal(t, "Checking your", m.Content)
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)
	env.transport.On("OpenStream", mock.Anything, "", mock.Anything).
		Return(streamOf(textFrame("Dividends arrive Friday."), "data: [DONE]\n\n"), nil).Once()

	srv := httptest.NewServer(env.echo)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/conversations/c9/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	snapshots := make(chan Snapshot, 64)
	go func() {
		defer close(snapshots)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var snap Snapshot
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap) == nil {
				snapshots <- snap
			}
		}
	}()

	initial := <-snapshots
	assert.Empty(t, initial.Messages)

	reply, err := env.service.SendMessage(ctx, chat.Scope{ConversationID: "c9"}, "When are dividends paid?")
	require.NoError(t, err)
	require.NoError(t, reply.Wait(ctx))

	var last Snapshot
	for snap := range snapshots {
		assert.GreaterOrEqual(t, snap.Version, last.Version)
		last = snap
		if len(snap.Messages) == 2 && snap.Messages[1].Content == "Dividends arrive Friday." && !snap.Messages[1].Pending {
			break
		}
	}
	require.Len(t, last.Messages, 2)
	assert.Equal(t, "When are dividends paid?", last.Messages[0].Content)
	assert.Equal(t, "Dividends arrive Friday.", last.Messages[1].Content)
}
