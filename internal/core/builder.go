package core

import (
	"fmt"
	"net"
	"strconv"

	"google.golang.org/protobuf/reflect/protoreflect"

	"revnotify/config"
	"revnotify/internal/endpoint"
	"revnotify/internal/metrics"
	"revnotify/internal/multicast"
	"revnotify/internal/retry"
	"revnotify/internal/schema"
	"revnotify/internal/transport"
	"revnotify/tunnel"
	"revnotify/util"
)

// defaultRemoteBind mirrors ssh -R: without an explicit bind address
// the gateway listens on its loopback interface only.
const defaultRemoteBind = "localhost"

// Build constructs the listening runtime from cfg.  The schema is
// loaded and the endpoint configured here, so a bad schema or service
// name fails before anything binds.
func Build(cfg *config.Config, logger *util.Logger) (*Runtime, error) {
	sch, svc, err := loadSchema(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	hub := multicast.New(config.DefaultSubscriberBuffer, m)
	ep := endpoint.New(hub, endpoint.Options{
		Logger:         logger,
		Metrics:        m,
		Binder:         buildBinder(cfg, logger, m),
		ReadTimeout:    cfg.ReadTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	address, err := endpointAddress(cfg)
	if err != nil {
		return nil, err
	}
	if err := ep.Configure(endpoint.Config{Schema: sch, Service: svc, Address: address}); err != nil {
		return nil, err
	}

	backoff := retry.DefaultBackoff()
	backoff.MaxDelay = config.DefaultMaxRestartBackoff
	backoff.MaxAttempts = config.DefaultMaxRestartAttempts

	return newRuntime(cfg, logger, m, hub, ep, backoff), nil
}

// BuildSend constructs the peer simulator that dials target and writes
// one frame per notification argument (see [ParseNotification]).
func BuildSend(cfg *config.Config, target string, args []string, logger *util.Logger) (*SendMode, error) {
	_, svc, err := loadSchema(cfg)
	if err != nil {
		return nil, err
	}
	addr, err := config.ParseBindAddress(target)
	if err != nil {
		return nil, fmt.Errorf("send target: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("nothing to send: give at least one method[=json] argument")
	}
	notes := make([]Notification, 0, len(args))
	for _, a := range args {
		n, err := ParseNotification(a)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return &SendMode{
		Dialer:        &transport.TCPDialer{Timeout: config.DefaultConnTimeout},
		Address:       addr,
		Service:       svc,
		Notifications: notes,
		Count:         1,
		Logger:        logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

func loadSchema(cfg *config.Config) (*schema.Schema, protoreflect.ServiceDescriptor, error) {
	sch, err := schema.Load(cfg.SchemaPath, cfg.ImportPaths...)
	if err != nil {
		return nil, nil, fmt.Errorf("loading schema: %w", err)
	}
	svc, err := sch.Service(cfg.Service)
	if err != nil {
		return nil, nil, fmt.Errorf("schema %s: %w (available: %v)", cfg.SchemaPath, err, sch.Services())
	}
	return sch, svc, nil
}

// buildBinder picks a local socket or, with --tunnel, a remote forward
// on the SSH gateway.
func buildBinder(cfg *config.Config, logger *util.Logger, m *metrics.Collector) transport.Binder {
	if !cfg.TunnelEnabled {
		return &transport.TCPBinder{}
	}
	timeout := config.DefaultConnTimeout
	return &tunnel.ReverseBinder{
		SSH: &tunnel.SSHConfig{
			User:                     cfg.TunnelUser,
			Host:                     cfg.TunnelHost,
			Port:                     cfg.TunnelPort,
			KeyPath:                  cfg.SSHKeyPath,
			PromptPass:               cfg.SSHPassword,
			UseAgent:                 cfg.UseSSHAgent,
			StrictHostKey:            cfg.StrictHostKey,
			KnownHosts:               cfg.KnownHostsPath,
			ConnTimeout:              timeout,
			AllowKeyboardInteractive: true,
		},
		KeepAlive: cfg.KeepAlive(),
		Logger:    logger.With("gateway", cfg.TunnelHost),
		Metrics:   m,
	}
}

// endpointAddress is the local bind address, or with a tunnel the
// address the gateway should listen on.
func endpointAddress(cfg *config.Config) (string, error) {
	if cfg.TunnelEnabled {
		host := cfg.RemoteBindAddress
		if host == "" {
			host = defaultRemoteBind
		}
		return net.JoinHostPort(host, strconv.Itoa(cfg.RemotePort)), nil
	}
	addr, err := config.ParseBindAddress(cfg.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("listen address: %w", err)
	}
	return addr, nil
}
