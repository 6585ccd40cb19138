// Package errors provides domain-specific error types for revnotify.
//
// The endpoint distinguishes four failure classes: a synchronous bind
// failure, an unexpected accept failure on a live listener, a per
// connection protocol failure, and a call made in the wrong lifecycle
// state.  Each class is a concrete type (or sentinel) so callers can
// branch with [As] / [Is] rather than matching strings.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrInvalidState   = errors.New("invalid endpoint state")
	ErrNotConfigured  = errors.New("endpoint is not configured")
	ErrAlreadyRunning = errors.New("endpoint is already running")
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum message size")
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrAuthFailed     = errors.New("authentication failed")
)

// ── Structured error types ───────────────────────────────────────────

// StateError reports an operation attempted in a lifecycle state that
// does not permit it.  It always matches [ErrInvalidState].
type StateError struct {
	Op    string // "configure", "start", ...
	State string // state at the time of the call
	Err   error  // more specific cause, e.g. ErrNotConfigured
}

func (e *StateError) Error() string {
	s := fmt.Sprintf("%s: %v (state %s)", e.Op, ErrInvalidState, e.State)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is makes every StateError match ErrInvalidState.
func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

func (e *StateError) Unwrap() error { return e.Err }

// InvalidState builds a StateError.
func InvalidState(op, state string, cause error) *StateError {
	return &StateError{Op: op, State: state, Err: cause}
}

// BindError is returned when the listening socket cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ListenerFault reports an accept failure that happened while nobody
// had asked the endpoint to stop.
type ListenerFault struct {
	Addr string
	Err  error
}

func (e *ListenerFault) Error() string {
	return fmt.Sprintf("listener fault on %s: %v", e.Addr, e.Err)
}

func (e *ListenerFault) Unwrap() error { return e.Err }

// ProtocolError reports a frame that could not be decoded.  It ends the
// connection it occurred on and nothing else.
type ProtocolError struct {
	Conn uint64 // handler id, 0 if unknown
	Op   string // "service name", "method name", "message", ...
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Conn == 0 {
		return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("protocol: conn %d: %s: %v", e.Conn, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocol builds a ProtocolError without a connection id; handlers
// fill Conn in before logging.
func Protocol(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "forward", "keepalive"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Classification helpers ───────────────────────────────────────────

// IsBindError reports whether err contains a *BindError.
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}

// IsListenerFault reports whether err contains a *ListenerFault.
func IsListenerFault(err error) bool {
	var lf *ListenerFault
	return errors.As(err, &lf)
}

// IsProtocolError reports whether err contains a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsRetryable reports whether err is worth retrying: temporary network
// conditions and bind failures (the port may free up), never protocol
// or state errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsProtocolError(err) || errors.Is(err, ErrInvalidState) {
		return false
	}
	if IsBindError(err) || IsListenerFault(err) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
