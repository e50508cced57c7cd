// Package v1 serves the assistant HTTP API.
package v1

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/ishenli/investment-agent/ai/assistant"
	"github.com/ishenli/investment-agent/ai/chat"
	"github.com/ishenli/investment-agent/ai/observability/logging"
	"github.com/ishenli/investment-agent/internal/profile"
)

type APIV1Service struct {
	Profile   *profile.Profile
	Assistant *assistant.Service

	// closing ends long-lived event streams on shutdown; http.Server.Shutdown
	// does not cancel request contexts.
	closing   chan struct{}
	closeOnce sync.Once
}

func NewAPIV1Service(profile *profile.Profile, svc *assistant.Service) *APIV1Service {
	return &APIV1Service{
		Profile:   profile,
		Assistant: svc,
		closing:   make(chan struct{}),
	}
}

// Close ends every open event stream. Safe to call more than once.
func (s *APIV1Service) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// RegisterGateway registers the API routes with the given Echo instance.
func (s *APIV1Service) RegisterGateway(_ context.Context, echoServer *echo.Echo) error {
	if s.Assistant == nil {
		return errors.New("assistant service is required")
	}

	api := echoServer.Group("/api/v1")
	api.Use(middleware.RequestID())
	api.Use(requestLogger)
	api.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}))

	conversation := api.Group("/conversations/:conversation")
	conversation.GET("/messages", s.ListMessages)
	conversation.POST("/messages", s.CreateMessage)
	conversation.POST("/messages/:id/regenerate", s.RegenerateMessage)
	conversation.POST("/messages/:id/resend", s.ResendMessage)
	conversation.POST("/messages/:id/delete-regenerate", s.DeleteAndRegenerateMessage)
	conversation.DELETE("/messages/:id", s.DeleteMessage)
	conversation.GET("/events", s.StreamEvents)

	api.GET("/operations", s.ListOperations)
	api.POST("/operations/:class/cancel", s.CancelOperation)
	return nil
}

// scopeFromContext reads the conversation path param and the optional topic
// query param. No topic selects the conversation's null topic.
func scopeFromContext(c echo.Context) (chat.Scope, error) {
	conversationID := c.Param("conversation")
	if conversationID == "" {
		return chat.Scope{}, echo.NewHTTPError(http.StatusBadRequest, "conversation is required")
	}
	return chat.Scope{ConversationID: conversationID, TopicID: c.QueryParam("topic")}, nil
}

// requestLogger attaches a logger carrying the request id to the request context.
func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		logger := slog.Default().With("request_id", c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(logging.ToContext(req.Context(), logger)))
		return next(c)
	}
}

// convertError maps pipeline errors to HTTP errors.
func convertError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, chat.ErrMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error()).SetInternal(err)
	case errors.Is(err, assistant.ErrEmptyContent),
		errors.Is(err, assistant.ErrNotUserMessage),
		errors.Is(err, assistant.ErrNotAssistantMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	default:
		logging.FromContext(c.Request().Context()).Error("assistant request failed", "path", c.Path(), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
