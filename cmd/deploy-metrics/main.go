package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"deploy-metrics/internal/config"
	"deploy-metrics/internal/correlator"
	"deploy-metrics/internal/database"
	"deploy-metrics/internal/handlers"
	"deploy-metrics/internal/logger"
	"deploy-metrics/internal/metrics"
	"deploy-metrics/internal/newrelic"
	"deploy-metrics/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get().WithError(err).Fatal("Failed to load configuration")
	}

	appLogger := logger.Initialize(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Deploy metrics exporter starting")

	if err := run(cfg, appLogger); err != nil {
		appLogger.WithError(err).Fatal("Exporter stopped with error")
	}
	appLogger.Info("Exporter stopped")
}

func run(cfg *config.Config, appLogger *logrus.Logger) error {
	nrApp, err := newrelic.Initialize(cfg)
	if err != nil {
		appLogger.WithError(err).Warn("Failed to initialize New Relic, continuing without monitoring")
		nrApp = nil
	}
	if nrApp != nil {
		defer nrApp.Shutdown(5 * time.Second)
	}

	var db *sql.DB
	if cfg.AuditEnabled {
		db, err = database.InitDB(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("audit database: %w", err)
		}
		defer db.Close()
	}

	recorder, err := metrics.NewPrometheusRecorder(metrics.Options{
		MTTRBuckets:       cfg.MTTRBuckets,
		LeadTimeBuckets:   cfg.LeadTimeBuckets,
		ProcessCollectors: true,
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	corr := correlator.New(recorder, correlator.Options{
		TrackFailureStart: cfg.TrackFailureStart,
		CommitTTL:         cfg.CommitTTL,
		MaxCommits:        cfg.CommitMaxEntries,
	})
	handler := handlers.NewHandler(corr, recorder, db, cfg.MaxPayloadBytes)
	srv := server.NewServer(cfg, handler, recorder.Handler(), nrApp)

	appLogger.WithFields(logrus.Fields{
		"port":                cfg.Port,
		"mttr_track_failures": cfg.TrackFailureStart,
		"commit_ttl":          cfg.CommitTTL,
		"audit_enabled":       cfg.AuditEnabled,
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return corr.Run(gctx, cfg.EvictionInterval)
	})

	return g.Wait()
}
