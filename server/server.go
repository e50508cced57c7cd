package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/ishenli/investment-agent/ai/assistant"
	"github.com/ishenli/investment-agent/ai/metrics"
	"github.com/ishenli/investment-agent/ai/registry"
	"github.com/ishenli/investment-agent/internal/profile"
	apiv1 "github.com/ishenli/investment-agent/server/router/api/v1"
	"github.com/ishenli/investment-agent/store"
)

// drainTimeout bounds how long shutdown waits for in-flight replies.
const drainTimeout = 30 * time.Second

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	api        *apiv1.APIV1Service
	listener   net.Listener
	assistant  *assistant.Service
	guard      *registry.WorkGuard
	metrics    *metrics.PrometheusExporter
}

func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store, svc *assistant.Service, guard *registry.WorkGuard, exporter *metrics.PrometheusExporter) (*Server, error) {
	s := &Server{
		Profile:   profile,
		Store:     store,
		assistant: svc,
		guard:     guard,
		metrics:   exporter,
	}

	echoServer := echo.New()
	echoServer.Debug = true
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	s.echoServer = echoServer

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	if exporter != nil {
		echoServer.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}

	s.api = apiv1.NewAPIV1Service(profile, svc)
	if err := s.api.RegisterGateway(ctx, echoServer); err != nil {
		return nil, errors.Wrap(err, "failed to register api routes")
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

func (s *Server) Start(ctx context.Context) error {
	var address, network string
	if len(s.Profile.UNIXSock) == 0 {
		address = fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
		network = "tcp"
	} else {
		address = s.Profile.UNIXSock
		network = "unix"
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	s.listener = listener

	go func() {
		if err := s.echoServer.Server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	slog.Info("server started", "network", network, "address", address)
	return nil
}

// Shutdown stops accepting requests, lets streaming replies finish within
// drainTimeout and aborts whatever is left.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	slog.Info("server shutting down")
	// Event streams only end with their client; close them so the echo
	// shutdown below waits on request handlers alone.
	s.api.Close()
	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", slog.String("error", err.Error()))
	}

	if s.guard != nil && s.assistant != nil {
		if err := s.guard.Wait(ctx); err != nil {
			n := s.assistant.Registry().CancelAll()
			slog.Warn("replies still running at shutdown, canceled", "classes", n)
		}
	}
	if s.assistant != nil {
		s.assistant.Close()
		// Canceled replies still persist their partial content.
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		if err := s.assistant.WaitBackground(waitCtx); err != nil {
			slog.Warn("background work did not finish", "error", err)
		}
	}

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", slog.String("error", err.Error()))
	}
	slog.Info("server stopped properly")
}
