// Package endpoint implements the receiving side of a reverse
// notification channel.  The endpoint binds a socket, advertises it
// out of band, and accepts connections that a remote server dials in
// to push events over.  Each connection gets its own [Handler];
// decoded events go to a [Sink].
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/protobuf/reflect/protoreflect"

	ncerr "revnotify/internal/errors"
	"revnotify/internal/metrics"
	"revnotify/internal/schema"
	"revnotify/internal/transport"
	"revnotify/internal/wire"
	"revnotify/util"
)

// Config is the endpoint's target: which schema types the stream, which
// service inside it frames must address, and where to listen.
type Config struct {
	Schema  *schema.Schema
	Service protoreflect.ServiceDescriptor
	Address string
}

// Options tune an endpoint.  The zero value is usable.
type Options struct {
	Logger  *util.Logger
	Metrics *metrics.Collector
	// Binder opens the listener; defaults to a local TCP socket.
	Binder transport.Binder
	// ReadTimeout drops a connection that sends no frame for this long.
	// 0 waits indefinitely; only Close or the peer end a read.
	ReadTimeout time.Duration
	// MaxMessageSize caps one protobuf body; 0 uses the wire default.
	MaxMessageSize int
}

const maxAcceptDelay = time.Second

// Endpoint accepts inbound connections from a remote server and turns
// their frames into events.
//
// Configure and Start are meant to be driven by a single owner; Stop,
// Wait, and the accessors are safe from any goroutine.
type Endpoint struct {
	sink     Sink
	logger   *util.Logger
	metrics  *metrics.Collector
	binder   transport.Binder
	timeout  time.Duration
	maxSize  int
	registry *Registry

	mu         sync.Mutex
	state      State
	cfg        Config
	decoder    *wire.Decoder
	listener   net.Listener
	binding    bool
	cancelBind context.CancelFunc
	shutdown   bool
	lastErr    error
	observers  []Observer

	wg sync.WaitGroup
}

// New returns an unconfigured endpoint delivering to sink.
func New(sink Sink, opts Options) *Endpoint {
	if sink == nil {
		sink = discardSink{}
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	if opts.Binder == nil {
		opts.Binder = &transport.TCPBinder{}
	}
	return &Endpoint{
		sink:     sink,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		binder:   opts.Binder,
		timeout:  opts.ReadTimeout,
		maxSize:  opts.MaxMessageSize,
		registry: NewRegistry(),
	}
}

// Observe registers o for lifecycle callbacks.
func (e *Endpoint) Observe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Configure replaces the endpoint's target.  It is rejected while the
// endpoint is running or binding; otherwise the last call wins.
func (e *Endpoint) Configure(cfg Config) error {
	if err := validate(cfg); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateListening || e.state == StateStopping || e.binding {
		return ncerr.InvalidState("configure", e.stateName(), nil)
	}
	e.cfg = cfg
	e.decoder = wire.NewDecoder(cfg.Service, e.maxSize)
	e.state = StateConfigured
	e.lastErr = nil
	return nil
}

func validate(cfg Config) error {
	switch {
	case cfg.Schema == nil:
		return &ncerr.ConfigError{Field: "schema", Message: "no schema loaded"}
	case cfg.Service == nil:
		return &ncerr.ConfigError{Field: "service", Message: "no service descriptor"}
	case cfg.Address == "":
		return &ncerr.ConfigError{Field: "listen", Message: "empty bind address"}
	}
	if _, err := cfg.Schema.Files().FindDescriptorByName(cfg.Service.FullName()); err != nil {
		return &ncerr.ConfigError{
			Field:   "service",
			Value:   string(cfg.Service.FullName()),
			Message: "service is not part of the configured schema",
		}
	}
	return nil
}

// StartAndWaitForInit binds the configured address and starts the
// accept loop.  On a bind failure it returns a *BindError and the
// endpoint is left Configured.
func (e *Endpoint) StartAndWaitForInit(ctx context.Context) error {
	bindCtx, err := e.beginStart(ctx, "start")
	if err != nil {
		return err
	}
	ln, err := e.bind(bindCtx)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go e.acceptLoop(ln)
	return nil
}

// Start launches the accept loop without waiting for the bind.  A bind
// failure is reported through [FaultObserver.OnFault] and [Endpoint.Err]
// and leaves the endpoint Configured; no connected or
// disconnected callbacks fire for a cycle that never bound.
func (e *Endpoint) Start() error {
	bindCtx, err := e.beginStart(context.Background(), "start")
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		ln, err := e.bind(bindCtx)
		if err != nil {
			e.notifyFault(err)
			e.wg.Done()
			return
		}
		e.acceptLoop(ln)
	}()
	return nil
}

// beginStart checks the state machine and marks a bind in flight.
func (e *Endpoint) beginStart(ctx context.Context, op string) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.state == StateUnconfigured:
		return nil, ncerr.InvalidState(op, e.stateName(), ncerr.ErrNotConfigured)
	case e.state == StateListening || e.state == StateStopping || e.binding:
		return nil, ncerr.InvalidState(op, e.stateName(), ncerr.ErrAlreadyRunning)
	}
	bindCtx, cancel := context.WithCancel(ctx)
	e.binding = true
	e.cancelBind = cancel
	e.shutdown = false
	return bindCtx, nil
}

// bind opens the listener and, on success, moves to Listening.
func (e *Endpoint) bind(ctx context.Context) (net.Listener, error) {
	e.mu.Lock()
	addr := e.cfg.Address
	e.mu.Unlock()

	ln, err := e.binder.Bind(ctx, addr)
	if err == nil && ctx.Err() != nil {
		// Stop arrived while the bind was in flight.
		ln.Close()
		err = ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.binding = false
	e.cancelBind()
	e.cancelBind = nil
	if err != nil {
		// A failed bind after a stopped cycle is still a usable configuration.
		e.state = StateConfigured
		bindErr := &ncerr.BindError{Addr: addr, Err: err}
		if !e.shutdown {
			e.lastErr = bindErr
			e.logger.Error("%v", bindErr)
			e.metrics.RecordError(bindErr.Error())
		}
		return nil, bindErr
	}

	e.listener = ln
	e.state = StateListening
	e.lastErr = nil
	e.logger.Info("listening on %s", ln.Addr())
	return ln, nil
}

// Stop closes every open connection and the listener.  It does not
// wait for handler goroutines; use [Endpoint.Wait] for that.  Calling
// Stop when the endpoint is not running is a no-op.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if e.binding {
		e.shutdown = true
		e.cancelBind()
		e.mu.Unlock()
		return nil
	}
	if e.state != StateListening {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.state = StateStopping
	ln := e.listener
	e.mu.Unlock()

	e.logger.Verbose("stopping endpoint on %s", ln.Addr())
	e.registry.CloseAll()
	if err := ln.Close(); err != nil && !util.IsClosed(err) {
		return fmt.Errorf("closing listener: %w", err)
	}
	return nil
}

// Wait blocks until the accept loop and every handler have exited.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

// ── Accept loop ──────────────────────────────────────────────────────

func (e *Endpoint) acceptLoop(ln net.Listener) {
	defer e.wg.Done()

	e.mu.Lock()
	hc := handlerConfig{
		decoder:  e.decoder,
		sink:     e.sink,
		registry: e.registry,
		logger:   e.logger,
		metrics:  e.metrics,
		timeout:  e.timeout,
		onExit:   e.wg.Done,
	}
	e.mu.Unlock()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			requested := e.shutdown
			e.mu.Unlock()

			var ne net.Error
			if !requested && errors.As(err, &ne) && ne.Temporary() { //nolint:staticcheck
				delay = nextAcceptDelay(delay)
				e.logger.Warn("accept: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			e.finish(ln, requested, err)
			return
		}
		delay = 0

		e.mu.Lock()
		stopping := e.shutdown
		observers := append([]Observer(nil), e.observers...)
		e.mu.Unlock()
		if stopping {
			conn.Close()
			continue
		}

		for _, o := range observers {
			o.OnConnected()
		}
		e.metrics.ConnectionOpened()
		h := newHandler(conn, hc)
		id := e.registry.Add(h)
		e.logger.Info("connection %d from %s", id, h.Peer())
		e.wg.Add(1)
		h.Start()
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > maxAcceptDelay {
		return maxAcceptDelay
	}
	return d
}

// finish ends a cycle: it classifies the accept error, closes what is
// left, and fires the observers.
func (e *Endpoint) finish(ln net.Listener, requested bool, err error) {
	var fault error
	if !requested {
		fault = &ncerr.ListenerFault{Addr: ln.Addr().String(), Err: err}
		e.logger.Error("%v", fault)
		e.metrics.ListenerFault(fault.Error())
		ln.Close()
	}
	e.registry.CloseAll()

	e.mu.Lock()
	e.state = StateStopped
	e.listener = nil
	if fault != nil {
		e.lastErr = fault
	}
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()

	if requested {
		e.logger.Info("endpoint stopped")
	}
	for _, o := range observers {
		if fo, ok := o.(FaultObserver); ok && fault != nil {
			fo.OnFault(fault)
		}
		o.OnDisconnected()
	}
}

func (e *Endpoint) notifyFault(err error) {
	e.mu.Lock()
	requested := e.shutdown
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	if requested {
		return
	}
	for _, o := range observers {
		if fo, ok := o.(FaultObserver); ok {
			fo.OnFault(err)
		}
	}
}

// ── Accessors ────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsRunning reports whether the endpoint is binding, listening, or
// shutting down.
func (e *Endpoint) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.binding || e.state == StateListening || e.state == StateStopping
}

// Addr returns the bound address, or nil when no listener is open.
// With port 0 this is where the kernel-assigned port is read back.
func (e *Endpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Config returns the current configuration.
func (e *Endpoint) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Err returns the fault that ended the last cycle, or nil if it ended
// on request.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Connections returns the number of live handlers.
func (e *Endpoint) Connections() int {
	return e.registry.Len()
}

func (e *Endpoint) stateName() string { return e.state.String() }
