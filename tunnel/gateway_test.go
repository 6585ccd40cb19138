package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// allocatedPort is what the fake gateway reports for a port-0 forward.
const allocatedPort = 40000

// gateway is a minimal in-process SSH server that honours tcpip-forward
// and can push forwarded-tcpip channels at its clients.
type gateway struct {
	ln       net.Listener
	forwards chan forwardRequest

	refuse     atomic.Bool // reply false to tcpip-forward
	stall      atomic.Bool // never answer keepalives
	keepalives atomic.Int64

	mu    sync.Mutex
	conns []*ssh.ServerConn
}

func startGateway(t *testing.T) *gateway {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &gateway{ln: ln, forwards: make(chan forwardRequest, 8)}
	t.Cleanup(func() {
		ln.Close()
		g.dropAll()
	})
	go g.serve(cfg)
	return g
}

func (g *gateway) sshConfig() *SSHConfig {
	addr := g.ln.Addr().(*net.TCPAddr)
	return &SSHConfig{User: "notify", Host: "127.0.0.1", Port: addr.Port, AllowKeyboardInteractive: true}
}

func (g *gateway) serve(cfg *ssh.ServerConfig) {
	for {
		c, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.handle(c, cfg)
	}
}

func (g *gateway) handle(c net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, sconn)
	g.mu.Unlock()

	go func() {
		for nc := range chans {
			_ = nc.Reject(ssh.Prohibited, "no sessions here")
		}
	}()
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var fr forwardRequest
			_ = ssh.Unmarshal(req.Payload, &fr)
			if g.refuse.Load() {
				_ = req.Reply(false, nil)
				continue
			}
			var reply []byte
			if fr.BindPort == 0 {
				reply = ssh.Marshal(&forwardReply{Port: allocatedPort})
			}
			_ = req.Reply(true, reply)
			g.forwards <- fr
		case "keepalive@openssh.com":
			g.keepalives.Add(1)
			if !g.stall.Load() {
				_ = req.Reply(false, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (g *gateway) conn(t *testing.T) *ssh.ServerConn {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		t.Fatal("no client connected to the gateway")
	}
	return g.conns[len(g.conns)-1]
}

func (g *gateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *gateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
}

// push opens a forwarded-tcpip channel as if a peer had dialed the
// gateway.  It blocks until the client accepts it.
func (g *gateway) push(t *testing.T, originPort uint32) ssh.Channel {
	t.Helper()
	payload := ssh.Marshal(&forwardedPayload{
		Addr:       "127.0.0.1",
		Port:       allocatedPort,
		OriginAddr: "203.0.113.7",
		OriginPort: originPort,
	})
	ch, reqs, err := g.conn(t).OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		t.Fatalf("opening forwarded-tcpip: %v", err)
	}
	go ssh.DiscardRequests(reqs)
	t.Cleanup(func() { ch.Close() })
	return ch
}
