package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"cipherroom/server/internal/core"
	"cipherroom/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	rooms *core.Manager
}

// New constructs an Echo app with websocket + REST routes.
func New(rooms *core.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, rooms: rooms}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	ws.NewHandler(s.rooms).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	return s.run(ctx, func() error {
		return s.echo.Start(addr)
	})
}

// RunTLS is Run with a certificate pair loaded from disk.
func (s *Server) RunTLS(ctx context.Context, addr, certFile, keyFile string) error {
	return s.run(ctx, func() error {
		return s.echo.StartTLS(addr, certFile, keyFile)
	})
}

// RunTLSConfig is Run with an in-memory TLS configuration, such as a
// generated self-signed certificate.
func (s *Server) RunTLSConfig(ctx context.Context, addr string, cfg *tls.Config) error {
	return s.run(ctx, func() error {
		return s.echo.StartServer(&http.Server{Addr: addr, TLSConfig: cfg})
	})
}

func (s *Server) run(ctx context.Context, start func() error) error {
	errCh := make(chan error, 1)
	go func() {
		err := start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Rooms:  len(s.rooms.Stats()),
	})
}

type stateResponse struct {
	Rooms    []core.RoomStats `json:"rooms"`
	Sessions int              `json:"sessions"`
}

func (s *Server) handleState(c echo.Context) error {
	stats := s.rooms.Stats()
	if stats == nil {
		stats = []core.RoomStats{}
	}
	total := 0
	for _, rs := range stats {
		total += rs.Sessions
	}
	return c.JSON(http.StatusOK, stateResponse{Rooms: stats, Sessions: total})
}
