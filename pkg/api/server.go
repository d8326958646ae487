// Package api exposes a pathrunner over HTTP.
//
// Routes:
//
//	GET  /healthz                       liveness and store reachability
//	GET  /metrics                       Prometheus metrics
//	POST /v1/actions                    execute an action
//	GET  /v1/attempts/:correlation_id   attempts for one execution
//	GET  /v1/attempts/stream            server-sent attempt feed
//	GET  /v1/paths                      registered paths with circuit state
//	GET  /v1/paths/:name/attempts       recent attempts on a path
//	GET  /v1/escalations                persisted escalations
//	GET  /v1/escalations/:id            one escalation
//	POST /v1/escalations/:id/ack        acknowledge an escalation
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openfroyo/pathrunner/pkg/bootstrap"
	"github.com/openfroyo/pathrunner/pkg/telemetry"
)

// DefaultListenAddress is used when the configuration leaves it empty.
const DefaultListenAddress = "127.0.0.1:8080"

// Server serves the HTTP API for one App.
type Server struct {
	app     *bootstrap.App
	router  *gin.Engine
	logger  zerolog.Logger
	version string
}

// NewServer builds the router for app.
func NewServer(app *bootstrap.App, version string) *Server {
	s := &Server{
		app:     app,
		logger:  app.Logger.With().Str("component", "api").Logger(),
		version: version,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	service := app.Config().Service.Name
	if service == "" {
		service = "pathrunner"
	}
	router.Use(otelgin.Middleware(service))
	router.Use(s.requestLogger())
	s.routes(router)
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(s.app.Metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/actions", s.executeAction)

		attempts := v1.Group("/attempts")
		{
			attempts.GET("/stream", s.streamAttempts)
			attempts.GET("/:correlation_id", s.getAttempts)
		}

		paths := v1.Group("/paths")
		{
			paths.GET("", s.listPaths)
			paths.GET("/:name/attempts", s.pathAttempts)
		}

		escalations := v1.Group("/escalations")
		{
			escalations.GET("", s.listEscalations)
			escalations.GET("/:id", s.getEscalation)
			escalations.POST("/:id/ack", s.acknowledgeEscalation)
		}
	}
}

// requestLogger attaches telemetry to the request context and logs every
// request once it completes.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(s.app.Telemetry.WithContext(c.Request.Context()))
		c.Next()

		event := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("trace_id", telemetry.TraceID(c.Request.Context())).
			Msg("HTTP request")
	}
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListenAddress
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", ln.Addr().String()).Msg("API server listening")
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}
