package transport

import (
	"context"
	"net"
	"time"
)

// TCPBinder listens on a local TCP socket.
type TCPBinder struct {
	// KeepAlive is applied to accepted connections; 0 uses the
	// system default, negative disables it.
	KeepAlive time.Duration
}

// Bind listens on address.  Port 0 asks the kernel for an ephemeral
// port; read it back from the listener's Addr.
func (b *TCPBinder) Bind(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: b.KeepAlive}
	return lc.Listen(ctx, "tcp", address)
}

// TCPDialer establishes plain TCP connections.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial connects to address.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, network, address)
}
