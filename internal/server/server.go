// Package server exposes the effect engine over HTTP and websocket.
package server

import (
	"fmt"
	"net"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NewFiber builds the fiber app with veil's body limit, JSON codec and error handler.
func NewFiber(cfg config.ServerConfig) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "veil",
		BodyLimit:             cfg.BodyLimitMB * 1024 * 1024,
		StrictRouting:         true,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
		ErrorHandler:          errorHandler,
	})
}

type ServerOption func(*Server) error

type Server struct {
	app      *fiber.App
	log      *logrus.Logger
	cfg      *config.Config
	detector engine.Detector
	handlers []handler
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if server.cfg == nil {
		server.cfg = config.Default()
	}
	if server.app == nil {
		server.app = NewFiber(server.cfg.Server)
	}

	server.registerHandlers()
	return server, nil
}

func WithFiber(app *fiber.App) ServerOption {
	return func(s *Server) error {
		s.app = app
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithConfig(cfg *config.Config) ServerOption {
	return func(s *Server) error {
		s.cfg = cfg
		return nil
	}
}

// WithDetector sets the detector shared by every request.
func WithDetector(d engine.Detector) ServerOption {
	return func(s *Server) error {
		s.detector = d
		return nil
	}
}

func (s *Server) registerHandlers() {
	s.app.Use(requestIDMiddleware())
	s.app.Use(accessLogMiddleware(s.log))
	if s.cfg.Server.RateLimit > 0 {
		limiter := newRateLimiter(rate.Limit(s.cfg.Server.RateLimit), max(s.cfg.Server.RateBurst, 1))
		s.app.Use(limiter.middleware(s.log))
	}

	s.app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message":  "veil is healthy",
			"detector": s.cfg.Detector.Backend,
		})
	})

	s.handlers = append(s.handlers, newFaceHandler(s.log, s.cfg, s.detector))

	router := s.app.Group("/api/v1")
	for _, h := range s.handlers {
		h.Start(router)
	}
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("veil server listening")
	return s.app.Listen(addr)
}

// Serve is Listen on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.log.WithField("addr", ln.Addr().String()).Info("veil server listening")
	return s.app.Listener(ln)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
