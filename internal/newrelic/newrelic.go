package newrelic

import (
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"deploy-metrics/internal/config"
	"deploy-metrics/internal/logger"
)

// Initialize sets up New Relic monitoring. It returns a nil application when
// monitoring is disabled or no license key is configured; the agent's handler
// wrappers and transaction methods accept nil.
func Initialize(cfg *config.Config) (*newrelic.Application, error) {
	nrLogger := logger.WithModule("newrelic")

	if !cfg.NewRelicEnabled {
		nrLogger.Info("New Relic monitoring is disabled")
		return nil, nil
	}

	if cfg.NewRelicLicense == "" {
		nrLogger.Warn("New Relic license key is not provided, monitoring will be disabled")
		return nil, nil
	}

	nrLogger.Info("Initializing New Relic monitoring")

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.NewRelicAppName),
		newrelic.ConfigLicense(cfg.NewRelicLicense),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigLogger(agentLogger{logger: nrLogger}),
	)
	if err != nil {
		nrLogger.WithError(err).Error("Failed to initialize New Relic")
		return nil, err
	}

	nrLogger.WithField("app_name", cfg.NewRelicAppName).Info("New Relic initialized successfully")
	return app, nil
}

// agentLogger routes agent diagnostics through the "newrelic" module entry, so
// harvest and connect errors follow LOG_LEVEL and LOG_FORMAT instead of the
// agent's own writer.
type agentLogger struct {
	logger *logrus.Entry
}

func (l agentLogger) Error(msg string, context map[string]interface{}) {
	l.logger.WithFields(logrus.Fields(context)).Error(msg)
}

func (l agentLogger) Warn(msg string, context map[string]interface{}) {
	l.logger.WithFields(logrus.Fields(context)).Warn(msg)
}

func (l agentLogger) Info(msg string, context map[string]interface{}) {
	l.logger.WithFields(logrus.Fields(context)).Info(msg)
}

func (l agentLogger) Debug(msg string, context map[string]interface{}) {
	l.logger.WithFields(logrus.Fields(context)).Debug(msg)
}

func (l agentLogger) DebugEnabled() bool {
	return l.logger.Logger.IsLevelEnabled(logrus.DebugLevel)
}
