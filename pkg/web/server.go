// Package web serves the HTTP surface of the call service: call start,
// audio and text replies, history, health and metrics.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/callhub"
	"github.com/teslashibe/go-salescall/pkg/hub"
	"github.com/teslashibe/go-salescall/pkg/session"
)

// Agent is the part of agent.Manager the HTTP surface drives.
type Agent interface {
	Start(ctx context.Context, phoneNumber, customerName string) (string, string, error)
	Speak(ctx context.Context, text string) ([]byte, error)
	SubmitAudio(ctx context.Context, callID string, audio []byte, emit func(agent.Chunk) error) error
	SubmitText(ctx context.Context, callID, message string, emit func(agent.Chunk) error) error
	History(ctx context.Context, callID string) ([]session.Turn, error)
	ShouldEnd(reply string) bool
	ActiveCalls(ctx context.Context) (int, error)
	Health(ctx context.Context) map[string]error
	Stats() *agent.LatencyStats
}

// Options configures the server.
type Options struct {
	Name          string
	Version       string
	BodyLimit     int           // bytes; zero keeps Fiber's default
	SampleRate    int           // rate of the empty reply clip
	RequestLog    bool          // log every request
	HealthTimeout time.Duration // bound on /health checks; zero means 3s
	Metrics       http.Handler  // served at /metrics when set
	Calls         *callhub.Hub  // duplex call channel
	Monitor       *hub.Monitor  // live monitor feed
	Logger        *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	app     *fiber.App
	agent   Agent
	opts    Options
	logger  *slog.Logger
	started time.Time
}

// NewServer creates the Fiber app and registers all routes.
func NewServer(a Agent, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "salescall"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		agent:   a,
		opts:    opts,
		logger:  opts.Logger.With("component", "web"),
		started: time.Now(),
	}

	app := fiber.New(fiber.Config{
		AppName:               opts.Name,
		DisableStartupMessage: true,
		BodyLimit:             opts.BodyLimit,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Content-Type,Authorization",
		ExposeHeaders: "X-Call-Id,Content-Disposition",
	}))
	if opts.RequestLog {
		app.Use(logger.New())
	}

	// Call routes
	app.Post("/start-call", s.handleStartCall)
	app.Post("/respond/:call_id", s.handleRespond)
	app.Get("/conversation/:call_id", s.handleConversation)

	app.Get("/health", s.handleHealth)
	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	api := app.Group("/api")
	api.Get("/calls/stats", s.handleStats)

	// WebSocket routes
	if opts.Calls != nil {
		opts.Calls.RegisterRoutes(app)
	}
	if opts.Monitor != nil {
		opts.Monitor.RegisterRoutes(app)
	}

	s.app = app
	return s
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
