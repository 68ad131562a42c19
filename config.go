package parlo

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds connection parameters. Zero values are filled with the same
// defaults the env tags declare.
type Config struct {
	// Endpoint is the websocket URL of the realtime gateway
	// (e.g. "wss://gateway.parlo.app/rt").
	Endpoint string `env:"PARLO_ENDPOINT"`
	// FallbackEndpoint is the HTTP base URL of the long-polling fallback.
	// Empty disables the fallback.
	FallbackEndpoint string `env:"PARLO_FALLBACK_ENDPOINT"`

	// DialTimeout bounds a single connection attempt. Kept short so
	// failures surface quickly; incoming calls must be noticed within
	// hundreds of milliseconds once the link is back.
	DialTimeout time.Duration `env:"PARLO_DIAL_TIMEOUT" envDefault:"3s"`

	// Reconnection policy: bounded attempts, growing delay, capped.
	ReconnectAttempts int           `env:"PARLO_RECONNECT_ATTEMPTS" envDefault:"30"`
	ReconnectDelay    time.Duration `env:"PARLO_RECONNECT_DELAY" envDefault:"500ms"`
	MaxReconnectDelay time.Duration `env:"PARLO_MAX_RECONNECT_DELAY" envDefault:"10s"`

	// SettleDelay is the pause between a successful handshake and the
	// offline backlog fetch, so the fetch never races the handshake.
	SettleDelay time.Duration `env:"PARLO_SETTLE_DELAY" envDefault:"1s"`
}

// ConfigFromEnv loads configuration from PARLO_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 30
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 10 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
}
