package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultMaxAttempts      = 5
	DefaultRetryInterval    = 3 * time.Second
	DefaultSettleDelay      = 100 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPingTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultBufferSize       = 1024
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
)

// ApplyDefaults fills unset fields. Flag overrides are applied before it
// runs, so it is exported for callers that build a Config by hand.
func (c *Config) ApplyDefaults() {
	// Reconnect defaults
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.RetryInterval == 0 {
		c.Reconnect.RetryInterval = DefaultRetryInterval
	}
	if c.Reconnect.SettleDelay == 0 {
		c.Reconnect.SettleDelay = DefaultSettleDelay
	}

	// Transport defaults
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = DefaultPingInterval
	}
	if c.Transport.PingTimeout == 0 {
		c.Transport.PingTimeout = DefaultPingTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}

	// Router defaults
	if c.Router.BufferSize == 0 {
		c.Router.BufferSize = DefaultBufferSize
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
