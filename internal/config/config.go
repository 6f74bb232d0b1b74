// Package config handles application configuration loading and management.
package config

import (
	"fmt"
	"time"

	"rotagate/internal/entity"
	"rotagate/internal/errs"
	"rotagate/pkg/urls"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration.
type Config struct {
	App    App
	Relay  Relay
	Source Source
	Pool   Pool
	Admin  Admin
}

// App holds application-wide configuration.
type App struct {
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Relay holds the client-facing listener configuration.
type Relay struct {
	Host  string `env:"BIND_HOST"  envDefault:"0.0.0.0"`
	Ports []int  `env:"BIND_PORTS" envDefault:"8080" envSeparator:","`

	// Username and Password enable Proxy-Authorization when both are set.
	Username string `env:"PROXY_USERNAME"`
	Password string `env:"PROXY_PASSWORD"`

	DialTimeout      time.Duration `env:"RELAY_DIAL_TIMEOUT"      envDefault:"10s"`
	HandshakeTimeout time.Duration `env:"RELAY_HANDSHAKE_TIMEOUT" envDefault:"30s"`
	BufferSize       int           `env:"RELAY_BUFFER_SIZE"       envDefault:"4096"`
	// AcceptRate limits accepted connections per second per listener, 0 disables.
	AcceptRate float64 `env:"RELAY_ACCEPT_RATE" envDefault:"0"`
}

// AuthEnabled reports whether clients must authenticate.
func (r Relay) AuthEnabled() bool {
	return r.Username != "" && r.Password != ""
}

// Source holds the origins of the upstream proxy list.
type Source struct {
	// List is a comma-separated list of host:port[:scheme] entries.
	List string `env:"PROXY_LIST"`
	// File is a CSV file of host,port[,scheme] rows, optionally xz-compressed.
	File string `env:"PROXY_LIST_FILE"`
	// PoolURL returns a JSON array of objects with a "proxy" field.
	PoolURL     string        `env:"PROXY_LIST_PROXY_POOL"`
	PoolTimeout time.Duration `env:"PROXY_LIST_PROXY_POOL_TIMEOUT" envDefault:"30s"`
}

// Pool holds upstream selection and health check configuration.
type Pool struct {
	HTTPTestURL  string `env:"HTTP_TEST_URL"  envDefault:"http://ipinfo.io"`
	HTTPSTestURL string `env:"HTTPS_TEST_URL" envDefault:"https://ipinfo.io"`

	Mode string `env:"PROXY_MODE" envDefault:"default"`
	// ChangeInterval rotates the sticky upstream after this many seconds, 0 disables.
	ChangeInterval int `env:"PROXY_CHANGE_INTERVAL" envDefault:"0"`
	// RequestThreshold rotates the sticky upstream after this many connections, 0 disables.
	RequestThreshold int `env:"TOTAL_REQUEST_THRESHOLD" envDefault:"0"`
	// TestInterval is the health check period in seconds.
	TestInterval int `env:"PROXY_TEST_INTERVAL" envDefault:"300"`

	TestTimeout     time.Duration `env:"PROXY_TEST_TIMEOUT"     envDefault:"10s"`
	TestConcurrency int           `env:"PROXY_TEST_CONCURRENCY" envDefault:"0"`
	TestInsecure    bool          `env:"PROXY_TEST_INSECURE"    envDefault:"false"`
}

// RotationInterval returns ChangeInterval as a duration.
func (p Pool) RotationInterval() time.Duration {
	return time.Duration(p.ChangeInterval) * time.Second
}

// HealthCheckInterval returns TestInterval as a duration.
func (p Pool) HealthCheckInterval() time.Duration {
	return time.Duration(p.TestInterval) * time.Second
}

// Admin holds the admin HTTP server configuration.
type Admin struct {
	// Addr is the listen address, empty disables the admin server.
	Addr            string        `env:"ADMIN_ADDR"             envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"ADMIN_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	cfg := &Config{}

	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if len(c.Relay.Ports) == 0 {
		return fmt.Errorf("%w: at least one bind port is required", errs.ErrInvalidConfig)
	}

	for _, port := range c.Relay.Ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: bind port %d out of range", errs.ErrInvalidConfig, port)
		}
	}

	if _, err := entity.ParseMode(c.Pool.Mode); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidConfig, err)
	}

	for _, raw := range []string{c.Pool.HTTPTestURL, c.Pool.HTTPSTestURL} {
		if !urls.IsURLValid(raw) {
			return fmt.Errorf("%w: invalid test url %q", errs.ErrInvalidConfig, raw)
		}
	}

	if c.Source.PoolURL != "" && !urls.IsURLValid(c.Source.PoolURL) {
		return fmt.Errorf("%w: invalid proxy pool url %q", errs.ErrInvalidConfig, c.Source.PoolURL)
	}

	if c.Pool.ChangeInterval < 0 || c.Pool.RequestThreshold < 0 {
		return fmt.Errorf("%w: rotation thresholds must not be negative", errs.ErrInvalidConfig)
	}

	if c.Pool.TestInterval <= 0 {
		return fmt.Errorf("%w: proxy test interval must be positive", errs.ErrInvalidConfig)
	}

	if c.Pool.TestConcurrency < 0 {
		return fmt.Errorf("%w: proxy test concurrency must not be negative", errs.ErrInvalidConfig)
	}

	if c.Relay.BufferSize <= 0 {
		return fmt.Errorf("%w: relay buffer size must be positive", errs.ErrInvalidConfig)
	}

	if c.Relay.AcceptRate < 0 {
		return fmt.Errorf("%w: accept rate must not be negative", errs.ErrInvalidConfig)
	}

	return nil
}
