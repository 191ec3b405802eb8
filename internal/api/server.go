// Package api exposes the worker's operational HTTP surface: liveness,
// readiness, and Prometheus metrics. It serves no domain data.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ReadyChecker reports whether the worker is ready to serve.
type ReadyChecker interface {
	Ready() bool
}

// Server is the operational HTTP server.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer builds the ops server on the given address.
func NewServer(addr string, ready ReadyChecker, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/readyz", func(c *gin.Context) {
		if ready != nil && ready.Ready() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "ops").Logger(),
	}
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("ops server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
