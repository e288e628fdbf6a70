package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerPort int
	PublicIP   string
	ServerEnv  string // "development" or "production"

	// Agent-facing paths (served by the RPC layer in front of this core)
	SSEPath  string
	PostPath string
	RPCPath  string

	// Waveform library
	WaveformStorePath string

	// Broker
	HeartbeatInterval time.Duration

	// Session lifecycle
	StaleDeviceTimeout   time.Duration
	ConnectionTimeout    time.Duration
	ReconnectionTimeout  time.Duration
	SessionSweepInterval time.Duration
}

// Load reads configuration from environment variables with defaults. It
// returns an error listing every variable that is set but invalid.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerPort: p.int("PORT", 3323),
		PublicIP:   envStr("PUBLIC_IP", ""),
		ServerEnv:  envStr("SERVER_ENV", "production"),

		SSEPath:  envStr("SSE_PATH", "/sse"),
		PostPath: envStr("POST_PATH", "/message"),
		RPCPath:  envStr("RPC_PATH", ""),

		WaveformStorePath: envStr("WAVEFORM_STORE_PATH", ""),

		HeartbeatInterval: time.Duration(p.int("HEARTBEAT_INTERVAL_MS", 30000)) * time.Millisecond,

		StaleDeviceTimeout:   time.Duration(p.int("STALE_DEVICE_TIMEOUT_MS", 3600000)) * time.Millisecond,
		ConnectionTimeout:    time.Duration(p.int("CONNECTION_TIMEOUT_MINUTES", 5)) * time.Minute,
		ReconnectionTimeout:  time.Duration(p.int("RECONNECTION_TIMEOUT_MINUTES", 5)) * time.Minute,
		SessionSweepInterval: 5 * time.Minute,
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// QRHost returns the host the app should dial, preferring the configured
// public IP over the fallback.
func (c *Config) QRHost(fallback string) string {
	if c.PublicIP != "" {
		return c.PublicIP
	}
	return fallback
}

func (c *Config) validate() error {
	var errs []error

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535"))
	}

	if c.PublicIP != "" && net.ParseIP(c.PublicIP) == nil {
		errs = append(errs, fmt.Errorf("PUBLIC_IP is not a valid IP address: %q", c.PublicIP))
	}

	if !strings.HasPrefix(c.SSEPath, "/") {
		errs = append(errs, fmt.Errorf("SSE_PATH must begin with \"/\": %q", c.SSEPath))
	}
	if !strings.HasPrefix(c.PostPath, "/") {
		errs = append(errs, fmt.Errorf("POST_PATH must begin with \"/\": %q", c.PostPath))
	}
	if c.RPCPath != "" && !strings.HasPrefix(c.RPCPath, "/") {
		errs = append(errs, fmt.Errorf("RPC_PATH must begin with \"/\": %q", c.RPCPath))
	}

	if c.HeartbeatInterval < time.Second {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL_MS must be at least 1000"))
	}

	if c.StaleDeviceTimeout < time.Minute {
		errs = append(errs, fmt.Errorf("STALE_DEVICE_TIMEOUT_MS must be at least 60000"))
	}
	if c.ConnectionTimeout < time.Minute || c.ConnectionTimeout > 60*time.Minute {
		errs = append(errs, fmt.Errorf("CONNECTION_TIMEOUT_MINUTES must be between 1 and 60"))
	}
	if c.ReconnectionTimeout < time.Minute || c.ReconnectionTimeout > 60*time.Minute {
		errs = append(errs, fmt.Errorf("RECONNECTION_TIMEOUT_MINUTES must be between 1 and 60"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
