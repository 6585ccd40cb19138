package config

// loader.go - configuration loading from a YAML file and from
// environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/)
//   2. Environment variables  (LoadFromEnv)
//   3. YAML file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays the YAML document at path onto cfg.  Keys absent
// from the file leave cfg untouched; unknown keys are rejected so that
// typos do not silently fall back to defaults.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty file
		}
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the REVNOTIFY_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call it after LoadFile and
// before CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("REVNOTIFY_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("REVNOTIFY_SCHEMA"); v != "" {
		cfg.SchemaPath = v
	}
	if v := os.Getenv("REVNOTIFY_PROTO_PATH"); v != "" {
		cfg.ImportPaths = splitList(v)
	}
	if v := os.Getenv("REVNOTIFY_SERVICE"); v != "" {
		cfg.Service = v
	}
	if v := envInt("REVNOTIFY_READ_TIMEOUT"); v > 0 {
		cfg.ReadTimeout = secondsDuration(v)
	}
	if v := envInt("REVNOTIFY_MAX_MESSAGE_SIZE"); v > 0 {
		cfg.MaxMessageSize = v
	}
	if envBool("REVNOTIFY_AUTO_RESTART") {
		cfg.AutoRestart = true
	}
	if envBool("REVNOTIFY_WATCH_SCHEMA") {
		cfg.WatchSchema = true
	}

	// HTTP surface
	if v := os.Getenv("REVNOTIFY_HTTP"); v != "" {
		cfg.HTTPAddress = v
	}
	if v := os.Getenv("REVNOTIFY_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	// Reverse tunnel
	if v := os.Getenv("REVNOTIFY_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("REVNOTIFY_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("REVNOTIFY_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("REVNOTIFY_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("REVNOTIFY_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("REVNOTIFY_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := os.Getenv("REVNOTIFY_REMOTE_BIND_ADDRESS"); v != "" {
		cfg.RemoteBindAddress = v
	}
	if v := envInt("REVNOTIFY_REMOTE_PORT"); v > 0 {
		cfg.RemotePort = v
	}
	if v := envInt("REVNOTIFY_KEEP_ALIVE"); v > 0 {
		cfg.KeepAliveInterval = v
	}

	// Event hook
	if v := os.Getenv("REVNOTIFY_EXEC"); v != "" {
		cfg.Execute = v
	}
	if v := os.Getenv("REVNOTIFY_COMMAND"); v != "" {
		cfg.Command = v
	}

	// Output
	if envBool("REVNOTIFY_PRINT") {
		cfg.Print = true
	}
	if envBool("REVNOTIFY_QUIET") {
		cfg.Quiet = true
	}
	if v := envInt("REVNOTIFY_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v := os.Getenv("REVNOTIFY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
