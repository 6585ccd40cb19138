// Package transport provides the socket primitives the endpoint is
// built on.  A Binder produces the listener a remote server dials into;
// a Dialer opens the outbound side used by the peer simulator.
package transport

import (
	"context"
	"net"
)

// Binder opens the listening side of a reverse connection.  The plain
// TCP binder listens on a local socket; the SSH binder in package
// tunnel asks a gateway to forward a remote port instead.
type Binder interface {
	// Bind listens on address.  The returned listener's Close must
	// unblock a pending Accept.
	Bind(ctx context.Context, address string) (net.Listener, error)
}

// Dialer opens outbound network connections.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}

// BinderFunc adapts a function to [Binder].
type BinderFunc func(ctx context.Context, address string) (net.Listener, error)

// Bind calls f.
func (f BinderFunc) Bind(ctx context.Context, address string) (net.Listener, error) {
	return f(ctx, address)
}
