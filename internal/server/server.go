package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"deploy-metrics/internal/config"
	"deploy-metrics/internal/handlers"
	"deploy-metrics/internal/logger"
)

type Server struct {
	config     *config.Config
	handler    *handlers.Handler
	metrics    http.Handler
	nrApp      *newrelic.Application
	router     *mux.Router
	httpServer *http.Server
	logger     *logrus.Entry
}

// NewServer builds the router. nrApp may be nil.
func NewServer(cfg *config.Config, h *handlers.Handler, metricsHandler http.Handler, nrApp *newrelic.Application) *Server {
	s := &Server{
		config:  cfg,
		handler: h,
		metrics: metricsHandler,
		nrApp:   nrApp,
		router:  mux.NewRouter(),
		logger:  logger.WithModule("server"),
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware, s.recoveryMiddleware)

	s.router.HandleFunc("/", s.handler.Index).Methods("GET")
	s.router.HandleFunc("/health", s.handler.Health).Methods("GET")
	s.router.Handle(s.config.MetricsPath, s.metrics).Methods("GET")

	// Only the webhook route is traced; scrapes and probes would drown it.
	s.router.HandleFunc(newrelic.WrapHandleFunc(s.nrApp, s.config.WebhookPath, s.handler.Webhook)).Methods("POST")
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests for at most
// ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.WithFields(logrus.Fields{
			"addr":         s.httpServer.Addr,
			"webhook_path": s.config.WebhookPath,
			"metrics_path": s.config.MetricsPath,
		}).Info("Server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.WithField("timeout", s.config.ShutdownTimeout).Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.httpServer.SetKeepAlivesEnabled(false)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}
