package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.
const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalAddress is used when a bind address names only a port.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultListenAddress binds an ephemeral loopback port; the
	// resolved port is logged so it can be advertised to the server.
	DefaultListenAddress = "127.0.0.1:0"

	// DefaultMaxMessageSize caps a single protobuf body on the wire.
	DefaultMaxMessageSize = 16 << 20

	// DefaultConnTimeout is the SSH dial timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultMaxRestartAttempts bounds consecutive bind retries.
	DefaultMaxRestartAttempts = 10

	// DefaultMaxRestartBackoff caps the exponential backoff between
	// endpoint restarts.
	DefaultMaxRestartBackoff = 60 * time.Second

	// DefaultSubscriberBuffer is the per-subscriber queue length of the
	// multicast hub.
	DefaultSubscriberBuffer = 64
)
