// Package telemetry wires OpenTelemetry into the dataset cache: OTLP trace and
// metric exporters, an optional Prometheus scrape handler, the lifecycle
// engine instruments and the API request middleware.
package telemetry

import (
	"fmt"
	"time"
)

const (
	// DefaultServiceName is reported to collectors unless overridden
	DefaultServiceName = "socrata-cache"

	// DefaultEndpoint is the OTLP/HTTP collector address
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the trace sampling ratio when none is configured
	DefaultSampling = 0.05

	metricsPushInterval = time.Minute
)

// Config is the telemetry section of the cache configuration
type Config struct {
	// Enabled gates everything below; when false the cache runs with no-op providers
	Enabled bool `yaml:"enabled"`

	ServiceName string `yaml:"serviceName,omitempty"`

	// Endpoint is the OTLP collector in host:port form, shared by traces and metrics
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig controls the spans of lifecycle runs and API requests
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the ratio of root traces kept. 0 means DefaultSampling.
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig selects where engine and API metrics go
type MetricsConfig struct {
	// Enabled pushes metrics to the OTLP endpoint
	Enabled bool `yaml:"enabled"`

	// Prometheus serves the same metrics for scraping on /metrics
	Prometheus bool `yaml:"prometheus,omitempty"`
}

func (c *Config) serviceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

func (c *Config) endpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

func (c *Config) samplingRatio() float64 {
	if c.Tracing == nil || c.Tracing.Sampling == 0 {
		return DefaultSampling
	}
	return c.Tracing.Sampling
}

func (c *Config) tracingEnabled() bool {
	return c != nil && c.Enabled && c.Tracing != nil && c.Tracing.Enabled
}

func (c *Config) otlpMetricsEnabled() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Enabled
}

// PrometheusEnabled reports whether the scrape endpoint should be served
func (c *Config) PrometheusEnabled() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Prometheus
}

// Validate checks the sampling ratio of enabled tracing
func (c *Config) Validate() error {
	if !c.tracingEnabled() {
		return nil
	}
	if s := c.Tracing.Sampling; s < 0 || s > 1 {
		return fmt.Errorf("tracing: sampling must be between 0.0 and 1.0, got %g", s)
	}
	return nil
}
