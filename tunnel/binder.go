package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"revnotify/internal/metrics"
	"revnotify/util"
)

// ReverseBinder implements transport.Binder by asking an SSH gateway to
// listen on the endpoint's behalf.  Each Bind opens a fresh SSH
// connection, so a restarted endpoint reconnects the tunnel too.
type ReverseBinder struct {
	SSH *SSHConfig

	// KeepAlive, when positive, sends keepalive@openssh.com at this
	// interval and tears the listener down when the gateway stops
	// answering, which the endpoint reports as a listener fault.
	KeepAlive time.Duration

	Logger  *util.Logger
	Metrics *metrics.Collector

	binds atomic.Int64
}

// Bind dials the gateway and requests a remote listener on address,
// given as bind-host:port on the gateway.
func (b *ReverseBinder) Bind(ctx context.Context, address string) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("remote bind address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("remote bind port %q out of range", portStr)
	}

	logger := b.logger()
	client, err := Dial(ctx, b.SSH, logger)
	if err != nil {
		b.Metrics.RecordError(err.Error())
		return nil, err
	}
	if b.binds.Add(1) > 1 {
		b.Metrics.TunnelReconnect()
	}

	ln, err := listenRemote(client, host, port)
	if err != nil {
		client.Close()
		b.Metrics.RecordError(err.Error())
		return nil, err
	}
	logger.Info("gateway %s listening on %s", b.SSH.Addr(), ln.Addr())

	if b.KeepAlive > 0 {
		go keepalive(ln, b.KeepAlive, logger)
	}
	return ln, nil
}

func (b *ReverseBinder) logger() *util.Logger {
	if b.Logger == nil {
		return util.NewLogger(0)
	}
	return b.Logger
}

// keepalive probes the gateway until the listener closes.  A failed
// probe loses the listener, which wakes the pending Accept.
func keepalive(ln *remoteListener, interval time.Duration, logger *util.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ln.Done():
			return
		case <-ticker.C:
			if err := probe(ln.client, interval); err != nil {
				logger.Warn("gateway keepalive failed: %v", err)
				ln.lose(fmt.Errorf("%w: keepalive: %v", ErrGatewayLost, err))
				return
			}
		}
	}
}

// probe sends one keepalive request and waits at most timeout for the
// reply.  Any reply, even a refusal, proves the gateway is alive.
func probe(client *ssh.Client, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("no reply within %s", timeout)
	}
}
