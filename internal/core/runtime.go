package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/color"

	"revnotify/config"
	"revnotify/internal/endpoint"
	ncerr "revnotify/internal/errors"
	"revnotify/internal/hook"
	"revnotify/internal/httpapi"
	"revnotify/internal/metrics"
	"revnotify/internal/multicast"
	"revnotify/internal/retry"
	"revnotify/util"
)

// defaultCooldown is how long the circuit stays open after repeated
// listener faults, and how long an endpoint must stay up before its
// next fault counts as isolated.
const defaultCooldown = 30 * time.Second

// Runtime supervises one endpoint: it binds with backoff, restarts the
// endpoint after listener faults, reloads the schema when it changes,
// and runs the optional console printer and HTTP surface.
type Runtime struct {
	// Stdout receives the console printer's output; nil means os.Stdout.
	Stdout io.Writer
	// HTTPListener, when set, is served instead of binding
	// Config.HTTPAddress.
	HTTPListener net.Listener
	// Cooldown overrides defaultCooldown.
	Cooldown time.Duration

	cfg     *config.Config
	logger  *util.Logger
	metrics *metrics.Collector
	hub     *multicast.Hub
	ep      *endpoint.Endpoint
	backoff *retry.Backoff
	breaker *retry.CircuitBreaker

	faults chan error
	ready  chan struct{}
	pinned string
}

func newRuntime(cfg *config.Config, logger *util.Logger, m *metrics.Collector,
	hub *multicast.Hub, ep *endpoint.Endpoint, backoff *retry.Backoff,
) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		hub:     hub,
		ep:      ep,
		backoff: backoff,
		faults:  make(chan error, 1),
		ready:   make(chan struct{}),
	}
	backoff.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("bind attempt %d failed: %v; retrying in %v", attempt, err, wait.Truncate(time.Millisecond))
	}
	ep.Observe(endpoint.ObserverFuncs{
		Connected:    func() { logger.Verbose("server connected") },
		Disconnected: func() { logger.Verbose("endpoint cycle ended") },
		Fault:        r.onFault,
	})
	return r
}

// Endpoint returns the supervised endpoint.
func (r *Runtime) Endpoint() *endpoint.Endpoint { return r.ep }

// Hub returns the multicast sink events are delivered to.
func (r *Runtime) Hub() *multicast.Hub { return r.hub }

// Metrics returns the runtime's collector.
func (r *Runtime) Metrics() *metrics.Collector { return r.metrics }

// Ready is closed once the endpoint has bound for the first time.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

func (r *Runtime) cooldown() time.Duration {
	if r.Cooldown > 0 {
		return r.Cooldown
	}
	return defaultCooldown
}

func (r *Runtime) onFault(err error) {
	select {
	case r.faults <- err:
	default:
	}
}

// Run blocks until ctx is cancelled or the endpoint fails for good.  A
// cancelled context is a clean exit and returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	r.breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
		MaxFailures:  config.DefaultMaxRestartAttempts,
		ResetTimeout: r.cooldown(),
		OnStateChange: func(from, to retry.State) {
			r.logger.Verbose("restart circuit %s → %s", from, to)
		},
	})

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer r.hub.Close()
	defer wg.Wait()
	defer cancel()

	if r.cfg.Print {
		events, unsubscribe := r.hub.Subscribe()
		p := NewPrinter(r.stdout(), !color.NoColor && r.Stdout == nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			p.Run(ctx, events)
		}()
	}
	if r.cfg.Execute != "" || r.cfg.Command != "" {
		events, unsubscribe := r.hub.Subscribe()
		h := &hook.Exec{
			Program: r.cfg.Execute,
			Command: r.cfg.Command,
			Timeout: r.cfg.HookTimeout,
			Stdout:  r.stdout(),
			Stderr:  os.Stderr,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			h.Run(ctx, events, r.logger.With("component", "hook"), r.metrics)
		}()
	}
	if r.cfg.HTTPAddress != "" || r.HTTPListener != nil {
		if err := r.serveHTTP(ctx, &wg); err != nil {
			return err
		}
	}

	if err := r.start(ctx); err != nil {
		return r.exitErr(ctx, err)
	}
	close(r.ready)

	var reloads <-chan struct{}
	if r.cfg.WatchSchema {
		ch, err := WatchSchema(ctx, r.cfg.SchemaPath, r.logger)
		if err != nil {
			r.logger.Warn("schema watch disabled: %v", err)
		} else {
			reloads = ch
		}
	}

	upSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			r.ep.Stop() //nolint:errcheck
			r.ep.Wait()
			return nil

		case fault := <-r.faults:
			r.ep.Wait()
			if !r.cfg.AutoRestart {
				return fault
			}
			if time.Since(upSince) >= r.cooldown() {
				r.breaker.Reset()
			}
			r.breaker.Record(fault)
			if err := r.awaitBreaker(ctx); err != nil {
				return r.exitErr(ctx, err)
			}
			if err := r.start(ctx); err != nil {
				return r.exitErr(ctx, err)
			}
			r.metrics.Restart()
			r.logger.Info("endpoint restarted on %s", r.ep.Addr())
			upSince = time.Now()

		case <-reloads:
			if err := r.reload(ctx); err != nil {
				return r.exitErr(ctx, err)
			}
			upSince = time.Now()
		}
	}
}

// start binds the endpoint, retrying bind failures with backoff.
func (r *Runtime) start(ctx context.Context) error {
	if r.pinned != "" {
		cfg := r.ep.Config()
		cfg.Address = r.pinned
		if err := r.ep.Configure(cfg); err != nil {
			return err
		}
	}
	err := r.backoff.Do(ctx, func(int) error {
		err := r.ep.StartAndWaitForInit(ctx)
		if err != nil && !ncerr.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return err
	}
	r.pin()
	r.logger.Info("listening for %s on %s", r.ep.Config().Service.FullName(), r.ep.Addr())
	return nil
}

// pin keeps the port the kernel or gateway chose for an ephemeral bind,
// so the address already advertised to the server stays valid across
// restarts and reloads.
func (r *Runtime) pin() {
	if r.pinned != "" {
		return
	}
	host, port, err := net.SplitHostPort(r.ep.Config().Address)
	if err != nil || port != "0" {
		return
	}
	if p := util.PortOf(r.ep.Addr()); p > 0 {
		r.pinned = net.JoinHostPort(host, strconv.Itoa(p))
	}
}

// awaitBreaker blocks while the restart circuit is open.
func (r *Runtime) awaitBreaker(ctx context.Context) error {
	for {
		err := r.breaker.Allow()
		if err == nil {
			return nil
		}
		r.logger.Warn("not restarting yet: %v", err)
		t := time.NewTimer(r.cooldown())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reload swaps in a freshly parsed schema.  A schema that no longer
// parses or lacks the service keeps the endpoint on the old one.
func (r *Runtime) reload(ctx context.Context) error {
	sch, svc, err := loadSchema(r.cfg)
	if err != nil {
		r.logger.Warn("schema reload failed, keeping the current schema: %v", err)
		r.metrics.RecordError(err.Error())
		return nil
	}
	r.logger.Info("schema %s changed, reconfiguring", r.cfg.SchemaPath)

	r.ep.Stop() //nolint:errcheck
	r.ep.Wait()
	cfg := r.ep.Config()
	cfg.Schema, cfg.Service = sch, svc
	if err := r.ep.Configure(cfg); err != nil {
		return err
	}
	return r.start(ctx)
}

func (r *Runtime) serveHTTP(ctx context.Context, wg *sync.WaitGroup) error {
	srv := httpapi.New(r.hub, r.metrics, r.status, httpapi.Options{
		Logger:         r.logger.With("component", "http"),
		AllowedOrigins: r.cfg.AllowedOrigins,
	})
	ln := r.HTTPListener
	if ln == nil {
		var lc net.ListenConfig
		var err error
		if ln, err = lc.Listen(ctx, "tcp", r.cfg.HTTPAddress); err != nil {
			return fmt.Errorf("http surface: %w", err)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			r.logger.Error("http surface: %v", err)
		}
	}()
	return nil
}

func (r *Runtime) status() httpapi.Status {
	cfg := r.ep.Config()
	st := httpapi.Status{
		State:       r.ep.State().String(),
		Connections: r.ep.Connections(),
		Subscribers: r.hub.Subscribers(),
		Healthy:     r.ep.State() == endpoint.StateListening,
	}
	if addr := r.ep.Addr(); addr != nil {
		st.Address = addr.String()
	}
	if cfg.Service != nil {
		st.Service = string(cfg.Service.FullName())
	}
	if cfg.Schema != nil {
		st.Schema = cfg.Schema.Source()
	}
	return st
}

func (r *Runtime) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

// exitErr maps failures caused by our own cancellation to a clean exit.
func (r *Runtime) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
