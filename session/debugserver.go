package session

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/oocana/oocana-core/common/server"
)

const debugServerGracePeriod = 5 * time.Second

// DebugServer is a minimal, localhost-bound HTTP status server started
// only under --debug, exposing GET /healthz and GET /status for operator
// visibility into a long-running session (spec §4.4, supplementing the
// original feature set).
type DebugServer struct {
	echo    *echo.Echo
	session *Session
	srv     *server.Server
}

// NewDebugServer builds the echo router for s; call Start to bind and serve.
func NewDebugServer(s *Session) *DebugServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	ds := &DebugServer{echo: e, session: s}

	e.GET("/healthz", ds.healthz)
	e.GET("/status", ds.status)

	return ds
}

// Start binds to 127.0.0.1:port (0 picks an ephemeral port) and serves in
// its own goroutine until ctx is cancelled.
func (ds *DebugServer) Start(ctx context.Context, port int) error {
	srv, err := server.New("debug status server", "127.0.0.1", port, ds.echo, ds.session.log)
	if err != nil {
		return err
	}
	ds.srv = srv

	go func() {
		if err := srv.Serve(ctx, debugServerGracePeriod); err != nil {
			ds.session.log.Debug("debug server stopped", "error", err)
		}
	}()

	return nil
}

// Addr returns the address the server is listening on.
func (ds *DebugServer) Addr() string {
	if ds.srv == nil {
		return ""
	}
	return ds.srv.Addr()
}

func (ds *DebugServer) healthz(c echo.Context) error {
	return c.JSON(200, map[string]string{"status": "ok", "session_id": ds.session.ID})
}

func (ds *DebugServer) status(c echo.Context) error {
	nodeStates := ds.session.NodeStates()
	active := 0
	for _, st := range nodeStates {
		if st == "running" {
			active++
		}
	}
	return c.JSON(200, map[string]any{
		"session_id":  ds.session.ID,
		"status":      ds.session.Status(),
		"active_jobs": active,
		"nodes":       nodeStates,
	})
}
