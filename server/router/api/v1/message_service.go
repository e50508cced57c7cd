package v1

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ishenli/investment-agent/ai/assistant"
	"github.com/ishenli/investment-agent/ai/chat"
)

func (s *APIV1Service) ListMessages(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	if err := s.ensureLoaded(c, scope); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convertMessagesFromStore(s.Assistant.Store().Messages(scope)))
}

func (s *APIV1Service) CreateMessage(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	var request CreateMessageRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if strings.TrimSpace(request.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	ctx := c.Request().Context()
	if err := s.ensureLoaded(c, scope); err != nil {
		return err
	}
	// The reply outlives the request unless the client asked to wait.
	reply, err := s.Assistant.SendMessage(context.WithoutCancel(ctx), scope, request.Content)
	if err != nil {
		return convertError(c, err)
	}
	return s.respondReply(c, scope, reply)
}

func (s *APIV1Service) RegenerateMessage(c echo.Context) error {
	return s.replyFromMessage(c, s.Assistant.Regenerate)
}

func (s *APIV1Service) ResendMessage(c echo.Context) error {
	return s.replyFromMessage(c, s.Assistant.Resend)
}

func (s *APIV1Service) DeleteAndRegenerateMessage(c echo.Context) error {
	return s.replyFromMessage(c, s.Assistant.DeleteAndRegenerate)
}

func (s *APIV1Service) DeleteMessage(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.ensureLoaded(c, scope); err != nil {
		return err
	}
	if err := s.Assistant.DeleteMessage(ctx, scope, c.Param("id")); err != nil {
		return convertError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type replyFunc func(ctx context.Context, scope chat.Scope, id string) (*assistant.Reply, error)

func (s *APIV1Service) replyFromMessage(c echo.Context, fn replyFunc) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.ensureLoaded(c, scope); err != nil {
		return err
	}
	reply, err := fn(context.WithoutCancel(ctx), scope, c.Param("id"))
	if err != nil {
		return convertError(c, err)
	}
	return s.respondReply(c, scope, reply)
}

// respondReply answers 202 right away, or 200 with the final message when
// the request carries wait=true.
func (s *APIV1Service) respondReply(c echo.Context, scope chat.Scope, reply *assistant.Reply) error {
	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if !wait {
		return c.JSON(http.StatusAccepted, convertReply(reply))
	}

	if err := reply.Wait(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusRequestTimeout, "reply still streaming").SetInternal(err)
	}
	response := convertReply(reply)
	if m := s.Assistant.Store().Message(scope, reply.AssistantMessageID); m != nil {
		response.Message = convertMessageFromStore(m)
	}
	return c.JSON(http.StatusOK, response)
}

// ensureLoaded hydrates a scope that this process has not seen yet.
func (s *APIV1Service) ensureLoaded(c echo.Context, scope chat.Scope) error {
	if s.Assistant.Store().Version(scope) > 0 {
		return nil
	}
	if _, err := s.Assistant.LoadMessages(c.Request().Context(), scope); err != nil {
		return convertError(c, err)
	}
	return nil
}
