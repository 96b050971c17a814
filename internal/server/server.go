package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"g4f-bridge/internal/config"
	"g4f-bridge/internal/metrics"
	"g4f-bridge/internal/router"
)

const (
	maxBodySize         = "1M"
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	metrics *metrics.Metrics
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware. m may be
// nil, in which case no metrics are recorded or exposed.
func New(cfg config.Config, rt *router.Router, m *metrics.Metrics) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = detailErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		HandleError: true,
		LogLatency:  true,
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		metrics: m,
		app:     e,
		address: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.printStartupBanner()
	slog.Info("starting server", "addr", s.address)

	// No WriteTimeout: streamed completions stay open as long as the upstream produces.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// ServeHTTP lets the server be driven directly by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	if s.metrics != nil && s.cfg.Server.Metrics.Enabled {
		s.app.GET(s.cfg.Server.Metrics.Path, echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.app.Group("/v1", AuthMiddleware(s.cfg.Server.APIKey))
	v1.GET("/models", s.handleListModels)
	// Body size is checked after auth.
	v1.POST("/chat/completions", s.handleChatCompletions, middleware.BodyLimit(maxBodySize))
}

func (s *Server) printStartupBanner() {
	host := s.cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := "http://" + net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.Port))

	fmt.Println()
	fmt.Println("g4f-bridge ready")
	fmt.Printf("Listening on %s\n", base)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	if s.metrics != nil && s.cfg.Server.Metrics.Enabled {
		fmt.Printf("  GET  %s\n", s.cfg.Server.Metrics.Path)
	}
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("Example:\n  curl %s/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o-mini\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", base)
}
