// Package config loads and validates the bridge configuration.
//
// The file is YAML:
//
//	listen:
//	  http: "127.0.0.1:8080"   # bridge endpoints
//	path: /ws/rcon             # browser WebSocket path
//	auth_mode: server          # server | client
//	upstream:
//	  protocol: json           # binary | json
//	  host: 127.0.0.1
//	  port: 28016              # defaults: binary 27015, json 28016
//	  password: secret
//	timeout: 5s                # connect and per-command deadline
//	format:
//	  target_id: console
//	  swap_style: beforeend
//	rate_limit:                # per-session command quota, 0 disables
//	  per_second: 0
//	  burst: 0
//	allowed_origins: []        # exact origins or "*"
//	stateless:
//	  enabled: true            # POST /rcon, POST /connect, GET /stream
//	  heartbeat: 10s           # SSE keepalive, clamped to 5s..15s
//
// Absent fields take the defaults shown above; Load rejects files that fail
// validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth modes: who supplies the upstream credentials.
const (
	AuthModeServer = "server" // from this config
	AuthModeClient = "client" // from the browser's auth message
)

// Upstream protocols.
const (
	ProtocolBinary = "binary"
	ProtocolJSON   = "json"
)

// Heartbeat bounds for the SSE stream.
const (
	MinHeartbeat = 5 * time.Second
	MaxHeartbeat = 15 * time.Second
)

type Config struct {
	Listen struct {
		HTTP string `yaml:"http"`
	} `yaml:"listen"`
	Path           string          `yaml:"path"`
	AuthMode       string          `yaml:"auth_mode"`
	Upstream       UpstreamConfig  `yaml:"upstream"`
	Timeout        time.Duration   `yaml:"timeout"`
	Format         FormatConfig    `yaml:"format"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	Stateless      StatelessConfig `yaml:"stateless"`
}

type UpstreamConfig struct {
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

type FormatConfig struct {
	TargetID  string `yaml:"target_id"`
	SwapStyle string `yaml:"swap_style"`
}

// RateLimitConfig is a per-session token bucket. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

func (r RateLimitConfig) Enabled() bool { return r.PerSecond > 0 }

type StatelessConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// Default returns the configuration used when no file is given. Load
// unmarshals on top of it, so absent fields keep these values.
func Default() Config {
	var c Config
	c.Listen.HTTP = "127.0.0.1:8080"
	c.Path = "/ws/rcon"
	c.AuthMode = AuthModeServer
	c.Upstream.Protocol = ProtocolBinary
	c.Upstream.Host = "127.0.0.1"
	c.Timeout = 5 * time.Second
	c.Format.TargetID = "console"
	c.Format.SwapStyle = "beforeend"
	c.Stateless.Enabled = true
	c.Stateless.Heartbeat = 10 * time.Second
	return c
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse unmarshals YAML over the defaults, normalizes derived fields and
// validates the result.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// normalize fills values that depend on other fields and clamps bounded ones.
func (c *Config) normalize() {
	if c.Upstream.Port == 0 {
		if c.Upstream.Protocol == ProtocolJSON {
			c.Upstream.Port = 28016
		} else {
			c.Upstream.Port = 27015
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Stateless.Heartbeat < MinHeartbeat {
		c.Stateless.Heartbeat = MinHeartbeat
	}
	if c.Stateless.Heartbeat > MaxHeartbeat {
		c.Stateless.Heartbeat = MaxHeartbeat
	}
	if c.RateLimit.Enabled() && c.RateLimit.Burst < 1 {
		c.RateLimit.Burst = int(c.RateLimit.PerSecond)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen.HTTP) == "" {
		return fmt.Errorf("listen.http is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.Stateless.Enabled {
		switch c.Path {
		case "/rcon", "/connect", "/stream":
			return fmt.Errorf("path %q collides with a stateless endpoint", c.Path)
		}
	}
	switch c.AuthMode {
	case AuthModeServer, AuthModeClient:
	default:
		return fmt.Errorf("auth_mode %q must be %q or %q", c.AuthMode, AuthModeServer, AuthModeClient)
	}
	switch c.Upstream.Protocol {
	case ProtocolBinary, ProtocolJSON:
	default:
		return fmt.Errorf("upstream.protocol %q must be %q or %q", c.Upstream.Protocol, ProtocolBinary, ProtocolJSON)
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port %d out of range", c.Upstream.Port)
	}
	if c.AuthMode == AuthModeServer && c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required with auth_mode %q", AuthModeServer)
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit.per_second must not be negative")
	}
	if c.RateLimit.Enabled() && float64(c.RateLimit.Burst) < c.RateLimit.PerSecond {
		return fmt.Errorf("rate_limit.burst %d below per_second %g", c.RateLimit.Burst, c.RateLimit.PerSecond)
	}
	return nil
}
