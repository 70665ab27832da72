package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusPortal is a small HTTP server exposing operational state: a
// status summary and the Prometheus metrics. It serves no message data;
// none exists on the server.
type StatusPortal struct {
	server *Server
	echo   *echo.Echo
}

// NewStatusPortal creates the portal for a server.
func NewStatusPortal(s *Server) *StatusPortal {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	p := &StatusPortal{server: s, echo: e}
	e.GET("/status", p.handleStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	return p
}

// Start runs the portal until Stop.
func (p *StatusPortal) Start() {
	addr := p.server.config.StatusAddress()
	slog.Info("status portal listening", "addr", addr)
	if err := p.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		slog.Error("status portal failed", "error", err)
	}
}

// Stop shuts the portal down.
func (p *StatusPortal) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.echo.Shutdown(ctx)
}

func (p *StatusPortal) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"server_name":    p.server.config.Server.Name,
		"description":    p.server.config.Server.Description,
		"uptime_seconds": int(time.Since(p.server.startTime).Seconds()),
		"users":          p.server.sessions.Count(),
		"channels":       p.server.channels.Count(),
	})
}
