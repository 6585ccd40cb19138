// Package config defines the runtime configuration for revnotify and
// provides helpers for parsing bind addresses and tunnel specifications.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "revnotify/internal/errors"
)

// Config holds every tuneable for a single revnotify process.
type Config struct {
	// ── Endpoint ─────────────────────────────────────────────────────
	ListenAddress  string        `yaml:"listen"`           // host:port the remote server dials
	SchemaPath     string        `yaml:"schema"`           // .proto source or FileDescriptorSet
	ImportPaths    []string      `yaml:"proto_path"`       // extra import roots for .proto sources
	Service        string        `yaml:"service"`          // service name inside the schema
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // 0 = wait forever between frames
	MaxMessageSize int           `yaml:"max_message_size"` // bytes per protobuf body
	AutoRestart    bool          `yaml:"auto_restart"`     // restart after a listener fault
	WatchSchema    bool          `yaml:"watch_schema"`     // reconfigure when the schema file changes

	// ── HTTP surface ─────────────────────────────────────────────────
	HTTPAddress    string   `yaml:"http"` // "" disables /events, /metrics, /stats
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ── Reverse SSH tunnel ───────────────────────────────────────────
	TunnelSpec        string `yaml:"tunnel"` // raw user@host[:port]
	TunnelEnabled     bool   `yaml:"-"`
	TunnelUser        string `yaml:"-"`
	TunnelHost        string `yaml:"-"`
	TunnelPort        int    `yaml:"-"`
	SSHKeyPath        string `yaml:"ssh_key"`
	SSHPassword       bool   `yaml:"ssh_password"` // true → prompt interactively
	UseSSHAgent       bool   `yaml:"ssh_agent"`
	StrictHostKey     bool   `yaml:"strict_hostkey"`
	KnownHostsPath    string `yaml:"known_hosts"`
	RemoteBindAddress string `yaml:"remote_bind_address"`
	RemotePort        int    `yaml:"remote_port"`
	KeepAliveInterval int    `yaml:"keep_alive"` // seconds, 0 disables

	// ── Event hook ───────────────────────────────────────────────────
	Execute     string        `yaml:"exec"`         // program run per event
	Command     string        `yaml:"command"`      // shell command run per event
	HookTimeout time.Duration `yaml:"hook_timeout"` // 0 = hook.DefaultTimeout

	// ── Output ───────────────────────────────────────────────────────
	Print     bool   `yaml:"print"`
	Quiet     bool   `yaml:"quiet"`
	Verbose   int    `yaml:"verbose"`
	LogFormat string `yaml:"log_format"` // "plain" or "json"
}

// Defaults returns a Config populated from defaults.go.
func Defaults() *Config {
	return &Config{
		ListenAddress:  DefaultListenAddress,
		MaxMessageSize: DefaultMaxMessageSize,
		LogFormat:      "plain",
		Verbose:        1,
	}
}

// ── Address helpers ──────────────────────────────────────────────────

// ParseBindAddress normalises a bind address.  It accepts "host:port",
// ":port" (all interfaces) and a bare "port" (loopback).  Port 0 asks
// the kernel for an ephemeral port.
func ParseBindAddress(spec string) (string, error) {
	if spec == "" {
		return "", fmt.Errorf("empty bind address")
	}
	if !strings.Contains(spec, ":") {
		spec = DefaultLocalAddress + ":" + spec
	}
	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		return "", fmt.Errorf("invalid bind address %q: %w", spec, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %q in bind address", portStr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "notify@gateway.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ApplyTunnelSpec fills the Tunnel* fields from TunnelSpec.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		c.TunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error()}
	}
	c.TunnelEnabled = true
	c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	return nil
}

// KeepAlive returns the keepalive interval as a duration.
func (c *Config) KeepAlive() time.Duration {
	return secondsDuration(c.KeepAliveInterval)
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.SchemaPath == "" {
		return &ncerr.ConfigError{
			Field:   "schema",
			Message: "a notification schema is required",
			Hint:    "pass a .proto file or a descriptor set produced by protoc -o",
		}
	}
	if c.Service == "" {
		return &ncerr.ConfigError{
			Field:   "service",
			Message: "the notification service name is required",
			Hint:    "e.g. --service NotificationInterface",
		}
	}
	if _, err := ParseBindAddress(c.ListenAddress); err != nil && !c.TunnelEnabled {
		return &ncerr.ConfigError{Field: "listen", Value: c.ListenAddress, Message: err.Error()}
	}
	if c.Execute != "" && c.Command != "" {
		return &ncerr.ConfigError{
			Field:   "exec",
			Message: "--exec and --command are mutually exclusive",
			Hint:    "use --command for shell syntax, --exec for a plain program",
		}
	}
	if c.MaxMessageSize < 0 {
		return &ncerr.ConfigError{Field: "max-message-size", Value: c.MaxMessageSize, Message: "must not be negative"}
	}
	if c.ReadTimeout < 0 {
		return &ncerr.ConfigError{Field: "read-timeout", Value: c.ReadTimeout, Message: "must not be negative"}
	}
	switch c.LogFormat {
	case "", "plain", "json":
	default:
		return &ncerr.ConfigError{Field: "log-format", Value: c.LogFormat, Message: "must be plain or json"}
	}

	if c.TunnelEnabled {
		if c.TunnelHost == "" {
			return &ncerr.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
		}
		if c.RemotePort == 0 {
			return &ncerr.ConfigError{
				Field:   "remote-port",
				Message: "required with --tunnel",
				Hint:    "the port the gateway should listen on for the notification server",
			}
		}
		if c.RemotePort < 1 || c.RemotePort > 65535 {
			return &ncerr.ConfigError{Field: "remote-port", Value: c.RemotePort, Message: "out of range 1-65535"}
		}
	} else if c.RemotePort != 0 {
		return &ncerr.ConfigError{
			Field:   "remote-port",
			Value:   c.RemotePort,
			Message: "only meaningful with --tunnel",
			Hint:    "add --tunnel user@gateway or drop --remote-port",
		}
	}
	return nil
}
