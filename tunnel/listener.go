package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrGatewayLost is returned by Accept once the SSH connection to the
// gateway is gone without the listener having been closed.
var ErrGatewayLost = errors.New("ssh gateway connection lost")

// RFC 4254 §7.1 global request payloads.
type forwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardReply struct {
	Port uint32
}

// RFC 4254 §7.2 "forwarded-tcpip" channel payload.
type forwardedPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// remoteListener is a net.Listener whose connections arrive as
// forwarded-tcpip channels on an SSH client.  Closing it cancels the
// forward and closes the client, which owns nothing else.
type remoteListener struct {
	client   *ssh.Client
	incoming <-chan ssh.NewChannel
	bindHost string
	addr     *net.TCPAddr

	mu      sync.Mutex
	closed  bool
	lostErr error
	done    chan struct{}
	once    sync.Once
}

// listenRemote asks the gateway to listen on bindAddr:bindPort.  Port 0
// lets the gateway choose; the chosen port is reported by Addr.
func listenRemote(client *ssh.Client, bindAddr string, bindPort int) (*remoteListener, error) {
	// Register before the request so no early channel is rejected.
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, errors.New("forwarded-tcpip handler already registered")
	}

	ok, reply, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&forwardRequest{
		BindAddr: bindAddr,
		BindPort: uint32(bindPort),
	}))
	if err != nil {
		return nil, fmt.Errorf("tcpip-forward: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("gateway refused to listen on %s "+
			"(port in use, or AllowTcpForwarding/GatewayPorts disabled)",
			net.JoinHostPort(bindAddr, strconv.Itoa(bindPort)))
	}

	port := bindPort
	if bindPort == 0 && len(reply) >= 4 {
		var r forwardReply
		if err := ssh.Unmarshal(reply, &r); err == nil {
			port = int(r.Port)
		}
	}

	return &remoteListener{
		client:   client,
		incoming: incoming,
		bindHost: bindAddr,
		addr:     &net.TCPAddr{IP: net.ParseIP(bindAddr), Port: port},
		done:     make(chan struct{}),
	}, nil
}

func (l *remoteListener) Accept() (net.Conn, error) {
	for {
		select {
		case <-l.done:
			return nil, l.closeErr()
		case nc, ok := <-l.incoming:
			if !ok {
				l.lose(ErrGatewayLost)
				return nil, l.closeErr()
			}
			var p forwardedPayload
			if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
				_ = nc.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
				continue
			}
			ch, reqs, err := nc.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(reqs)
			return &channelConn{
				Channel: ch,
				local:   l.addr,
				remote:  &net.TCPAddr{IP: net.ParseIP(p.OriginAddr), Port: int(p.OriginPort)},
			}, nil
		}
	}
}

// lose marks the gateway as gone and tears the listener down.
func (l *remoteListener) lose(err error) {
	l.mu.Lock()
	if l.lostErr == nil && !l.closed {
		l.lostErr = err
	}
	l.mu.Unlock()
	l.shutdown()
}

func (l *remoteListener) closeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lostErr != nil {
		return fmt.Errorf("accept on %s: %w", l.addr, l.lostErr)
	}
	return net.ErrClosed
}

func (l *remoteListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.shutdown()
}

func (l *remoteListener) shutdown() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		// Best effort; the client close below ends the forward anyway.
		_, _, _ = l.client.SendRequest("cancel-tcpip-forward", false, ssh.Marshal(&forwardRequest{
			BindAddr: l.bindHost,
			BindPort: uint32(l.addr.Port),
		}))
		err = l.client.Close()
	})
	return err
}

func (l *remoteListener) Addr() net.Addr { return l.addr }

// Done is closed once the listener has shut down for any reason.
func (l *remoteListener) Done() <-chan struct{} { return l.done }

// channelConn adapts an ssh.Channel to net.Conn.  SSH channels carry no
// deadlines, so the deadline setters are no-ops.
type channelConn struct {
	ssh.Channel
	local, remote net.Addr
}

func (c *channelConn) LocalAddr() net.Addr                { return c.local }
func (c *channelConn) RemoteAddr() net.Addr               { return c.remote }
func (c *channelConn) SetDeadline(_ time.Time) error      { return nil }
func (c *channelConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *channelConn) SetWriteDeadline(_ time.Time) error { return nil }
