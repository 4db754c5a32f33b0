// Package rconbridge provides a small public surface for embedding the
// bridge in a hosting application instead of running the daemon. The
// implementation lives in internal/ and may change without notice.
package rconbridge

import (
	"context"

	"rcon-bridge/internal/bridge"
	"rcon-bridge/internal/config"
	"rcon-bridge/internal/format"
	"rcon-bridge/internal/rcon"
)

// --- Config ---

type Config = config.Config

type UpstreamConfig = config.UpstreamConfig

type RateLimitConfig = config.RateLimitConfig

type StatelessConfig = config.StatelessConfig

// LoadConfig loads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return config.Default() }

// --- Bridge server ---

type Server = bridge.Server

type Session = bridge.Session

type Options = bridge.Options

// NewServer builds a bridge server; mount its Handler() on any HTTP server
// that accepts WebSocket upgrades.
func NewServer(cfg *Config, opts Options) *Server { return bridge.NewServer(cfg, opts) }

// StartMetricsServer serves Prometheus metrics on addr until ctx is
// cancelled.
func StartMetricsServer(ctx context.Context, addr string) error {
	return bridge.StartMetricsServer(ctx, addr)
}

// --- Upstream clients ---

type Client = rcon.Client

type ClientConfig = rcon.Config

type ServerMessage = rcon.ServerMessage

const (
	ProtocolBinary = rcon.ProtocolBinary
	ProtocolJSON   = rcon.ProtocolJSON
)

// NewClient builds a standalone RCON client for the configured protocol.
func NewClient(cfg ClientConfig) (Client, error) { return rcon.New(cfg) }

// --- Formatting ---

type Formatter = format.Formatter

type LineMeta = format.LineMeta

type FormatLine = format.FormatLine

// NewFormatter builds a fragment formatter; empty arguments take the
// defaults ("console", "beforeend").
func NewFormatter(targetID, swapStyle string, formatLine FormatLine) *Formatter {
	return format.New(targetID, swapStyle, formatLine)
}
