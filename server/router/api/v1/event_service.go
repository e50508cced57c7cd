package v1

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ishenli/investment-agent/ai/chat"
	"github.com/ishenli/investment-agent/store"
)

const keepAliveInterval = 15 * time.Second

// StreamEvents pushes a snapshot of the scope's message list every time it
// changes. Bursts of changes are coalesced into the latest snapshot.
func (s *APIV1Service) StreamEvents(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.ensureLoaded(c, scope); err != nil {
		return err
	}

	cs := s.Assistant.Store()
	changed := make(chan struct{}, 1)
	unsubscribe := cs.Subscribe(func(change chat.Change) {
		if change.Scope != scope {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var sent uint64
	first := true
	for {
		if version := cs.Version(scope); first || version != sent {
			first = false
			sent = version
			if err := writeSnapshot(resp, version, cs.Messages(scope)); err != nil {
				slog.Debug("event stream closed", "scope", scope.String(), "error", err)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			return nil
		case <-changed:
		case <-keepAlive.C:
			if _, err := fmt.Fprint(resp, ": keep-alive\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func writeSnapshot(resp *echo.Response, version uint64, list []*store.ChatMessage) error {
	data, err := json.Marshal(&Snapshot{Version: version, Messages: convertMessagesFromStore(list)})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "event: snapshot\nid: %d\ndata: %s\n\n", version, data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
