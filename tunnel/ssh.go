// Package tunnel lets the endpoint listen on a remote SSH gateway
// instead of a local socket, the equivalent of ssh -R.  This is how a
// sink behind NAT gives the notification server an address it can
// dial.
package tunnel

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "revnotify/internal/errors"
	"revnotify/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// AllowKeyboardInteractive adds keyboard-interactive with empty
	// answers as a last auth method; public tunnel services use it.
	AllowKeyboardInteractive bool

	// ShowServerMessages opens a session and logs whatever the gateway
	// prints, e.g. the public URL of a hosted tunnel service.
	ShowServerMessages bool
}

// Addr returns host:port of the gateway.
func (c *SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Dial connects and authenticates to the gateway.
func Dial(ctx context.Context, cfg *SSHConfig, logger *util.Logger) (*ssh.Client, error) {
	methods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hkCb, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	timeout := cfg.ConnTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: hkCb,
		Timeout:         timeout,
		BannerCallback: func(message string) error {
			logger.Info("%s", message)
			return nil
		},
	}

	addr := cfg.Addr()
	logger.Debug("ssh: dialing %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.WrapSSH("dial", cfg.Host, cfg.Port, err)
	}

	// ssh.NewClientConn has no context; closing the socket aborts it.
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientCfg)
	stop()
	if err != nil {
		tcpConn.Close()
		return nil, ncerr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	if cfg.ShowServerMessages {
		go drainServerMessages(client, logger)
	}
	return client, nil
}

// drainServerMessages logs a session's stdout and stderr until the
// gateway closes it.  Gateways without session support end it at once.
func drainServerMessages(client *ssh.Client, logger *util.Logger) {
	sess, err := client.NewSession()
	if err != nil {
		logger.Debug("ssh: no session for server messages: %v", err)
		return
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return
	}
	_ = sess.Shell()

	var wg sync.WaitGroup
	logStream := func(r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				logger.Info("gateway: %s", buf[:n])
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go logStream(stdout)
	go logStream(stderr)
	wg.Wait()
}
