// Package web serves the viewfinder dashboard: status, camera selection,
// lifecycle controls, live preview and metrics.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/coordinator"
	"github.com/teslashibe/picturear/pkg/hub"
)

// Controller is the part of the coordinator the dashboard drives.
type Controller interface {
	Status() coordinator.Status
	Cameras(ctx context.Context) ([]camera.Descriptor, error)
	SwitchCamera(ctx context.Context, id string) error
	Foreground(ctx context.Context) error
	Background(ctx context.Context) error
}

var _ Controller = (*coordinator.Coordinator)(nil)

// Options configures a Server.
type Options struct {
	Port       int
	Controller Controller

	// Settings backs GET/PATCH /api/camera/config. Optional.
	Settings *camera.Settings

	// Preview and Status are the websocket hubs; the caller runs them.
	Preview *hub.Hub
	Status  *hub.Hub

	// RequestTimeout bounds camera operations started from HTTP.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	opts   Options
	app    *fiber.App
	logger *slog.Logger
}

// NewServer builds the fiber app and its routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "picturear",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/cameras", s.handleCameras)
	api.Post("/cameras/:id/select", s.handleSelect)
	api.Post("/lifecycle/:transition", s.handleLifecycle)
	api.Get("/camera/config", s.handleGetConfig)
	api.Patch("/camera/config", s.handlePatchConfig)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	if opts.Preview != nil {
		app.Get("/ws/preview", websocket.New(func(c *websocket.Conn) {
			opts.Preview.Serve(c)
		}))
	}
	if opts.Status != nil {
		app.Get("/ws/status", websocket.New(s.handleStatusWS))
	}

	s.app = app
	return s
}

// App returns the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens until ctx is done, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", addr)
		errc <- s.app.Listen(addr)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("web: listen %s: %w", addr, err)
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			return fmt.Errorf("web: shutdown: %w", err)
		}
		return nil
	}
}
