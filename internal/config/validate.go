package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/execstream/internal/logging"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Server.validate(); err != nil {
		return err
	}

	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be >= 1")
	}
	if c.Reconnect.RetryInterval <= 0 {
		return errors.New("reconnect.retry_interval must be > 0")
	}
	if c.Reconnect.SettleDelay < 0 {
		return errors.New("reconnect.settle_delay must be >= 0")
	}

	if c.Transport.HandshakeTimeout <= 0 {
		return errors.New("transport.handshake_timeout must be > 0")
	}
	if c.Transport.PingInterval <= 0 {
		return errors.New("transport.ping_interval must be > 0")
	}
	if c.Transport.PingTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.ping_timeout (%s) must exceed ping_interval (%s)",
			c.Transport.PingTimeout, c.Transport.PingInterval)
	}
	if c.Transport.WriteTimeout <= 0 {
		return errors.New("transport.write_timeout must be > 0")
	}

	if c.Router.BufferSize < 1 {
		return errors.New("router.buffer_size must be >= 1")
	}

	for i, id := range c.Subscriptions.IDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("subscriptions.ids[%d] is empty", i)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}

func (s *ServerConfig) validate() error {
	if s.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss, got %q", u.Scheme)
	}

	if s.Token != "" && (s.APIKey != "" || s.PrivateKeyPath != "") {
		return errors.New("server.token cannot be combined with server.api_key")
	}
	if (s.APIKey == "") != (s.PrivateKeyPath == "") {
		return errors.New("server.api_key and server.private_key_path must be set together")
	}
	return nil
}
