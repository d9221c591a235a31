package config

import (
	"fmt"
	"time"

	"github.com/rickgao/execstream/internal/auth"
	"github.com/rickgao/execstream/internal/connection"
	"github.com/rickgao/execstream/internal/logging"
	"github.com/rickgao/execstream/internal/router"
)

// Config is the root configuration for an execwatch instance.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Transport     TransportConfig     `yaml:"transport"`
	Router        RouterConfig        `yaml:"router"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Logging       logging.Config      `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig holds the push endpoint and its credentials. Use either
// token or api_key + private_key_path.
type ServerConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`            // Bearer token
	APIKey         string `yaml:"api_key"`          // API key ID (X-ACCESS-KEY header)
	PrivateKeyPath string `yaml:"private_key_path"` // Path to RSA private key PEM file
}

// ReconnectConfig holds the retry policy.
type ReconnectConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
}

// TransportConfig holds WebSocket timeouts.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// RouterConfig holds Message Router settings.
type RouterConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// SubscriptionsConfig lists execution ids to follow from startup.
type SubscriptionsConfig struct {
	IDs []string `yaml:"ids"`
}

// MetricsConfig holds settings for the HTTP server exposing health,
// executions and Prometheus metrics.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Credentials loads the credentials named in the server section. Returns
// nil when none are configured.
func (c *Config) Credentials() (*auth.Credentials, error) {
	switch {
	case c.Server.Token != "":
		return auth.NewTokenCredentials(c.Server.Token)
	case c.Server.APIKey != "" || c.Server.PrivateKeyPath != "":
		creds, err := auth.LoadCredentials(c.Server.APIKey, c.Server.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		return creds, nil
	default:
		return nil, nil
	}
}

// ClientOptions returns the transport configuration.
func (c *Config) ClientOptions(creds *auth.Credentials) connection.ClientConfig {
	return connection.ClientConfig{
		URL:              c.Server.URL,
		Credentials:      creds,
		HandshakeTimeout: c.Transport.HandshakeTimeout,
		PingInterval:     c.Transport.PingInterval,
		PingTimeout:      c.Transport.PingTimeout,
		WriteTimeout:     c.Transport.WriteTimeout,
	}
}

// ManagerOptions returns the Connection Manager configuration.
func (c *Config) ManagerOptions() connection.ManagerConfig {
	return connection.ManagerConfig{
		MaxAttempts:   c.Reconnect.MaxAttempts,
		RetryInterval: c.Reconnect.RetryInterval,
		SettleDelay:   c.Reconnect.SettleDelay,
	}
}

// RouterOptions returns the Message Router configuration.
func (c *Config) RouterOptions() router.RouterConfig {
	return router.RouterConfig{
		BufferSize: c.Router.BufferSize,
	}
}
