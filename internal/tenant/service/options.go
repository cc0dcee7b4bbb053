package service

import (
	"log/slog"

	tenantmetrics "securebase/internal/tenant/metrics"
)

type serviceConfig struct {
	logger  *slog.Logger
	metrics *tenantmetrics.Metrics
}

// Option configures the Registry.
type Option func(*serviceConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

func WithMetrics(m *tenantmetrics.Metrics) Option {
	return func(c *serviceConfig) {
		c.metrics = m
	}
}
