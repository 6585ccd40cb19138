package endpoint

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ncerr "revnotify/internal/errors"
	"revnotify/internal/metrics"
	"revnotify/internal/wire"
	"revnotify/util"
)

// Handler owns one accepted connection.  It decodes frames and hands
// each event to the sink until the peer hangs up, a frame fails to
// decode, or Close is called.
type Handler struct {
	id       uint64
	conn     net.Conn
	peer     string
	decoder  *wire.Decoder
	sink     Sink
	registry *Registry
	logger   *util.Logger
	metrics  *metrics.Collector
	timeout  time.Duration

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	onExit    func()
}

type handlerConfig struct {
	decoder  *wire.Decoder
	sink     Sink
	registry *Registry
	logger   *util.Logger
	metrics  *metrics.Collector
	timeout  time.Duration
	onExit   func()
}

func newHandler(conn net.Conn, hc handlerConfig) *Handler {
	return &Handler{
		conn:     conn,
		peer:     conn.RemoteAddr().String(),
		decoder:  hc.decoder,
		sink:     hc.sink,
		registry: hc.registry,
		logger:   hc.logger,
		metrics:  hc.metrics,
		timeout:  hc.timeout,
		done:     make(chan struct{}),
		onExit:   hc.onExit,
	}
}

// ID returns the connection id assigned by the registry.
func (h *Handler) ID() uint64 { return h.id }

// Peer returns the remote address.
func (h *Handler) Peer() string { return h.peer }

// Done is closed once the handler goroutine has exited and
// deregistered.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Start runs the read loop on its own goroutine.
func (h *Handler) Start() {
	h.logger = h.logger.With("conn", h.id).With("peer", h.peer)
	go h.run()
}

// Close releases the connection, unblocking a pending read.  It is
// idempotent and safe to call from any goroutine.
func (h *Handler) Close() error {
	h.closing.Store(true)
	h.closeOnce.Do(func() {
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}

func (h *Handler) run() {
	defer h.exit()
	h.logger.Verbose("connection open")

	r := bufio.NewReader(meteredReader{r: h.conn, m: h.metrics})
	for {
		if h.timeout > 0 {
			h.conn.SetReadDeadline(time.Now().Add(h.timeout)) //nolint:errcheck
		}
		ev, err := h.decoder.ReadEvent(r)
		if err != nil {
			h.logEnd(err)
			return
		}
		ev.Peer = h.peer
		for _, w := range ev.Warnings {
			h.logger.Warn("%s: %s", ev.Method, w)
			h.metrics.DecodeWarning()
		}
		h.logger.Debug("event %s.%s", ev.Service, ev.Method)
		h.sink.Deliver(ev)
		h.metrics.EventDelivered()
	}
}

func (h *Handler) logEnd(err error) {
	var pe *ncerr.ProtocolError
	var netErr net.Error
	switch {
	case h.closing.Load():
		h.logger.Verbose("connection closed")
	case err == io.EOF || util.IsClosed(err):
		h.logger.Verbose("peer closed connection")
	case errors.As(err, &pe):
		pe.Conn = h.id
		h.logger.Error("%v, dropping connection", pe)
		h.metrics.ProtocolError(pe.Error())
	case errors.As(err, &netErr) && netErr.Timeout():
		h.logger.Warn("no frame within %v, dropping connection", h.timeout)
		h.metrics.RecordError("read timeout from " + h.peer)
	default:
		h.logger.Error("read: %v", err)
		h.metrics.RecordError(err.Error())
	}
}

func (h *Handler) exit() {
	h.Close() //nolint:errcheck
	h.registry.Remove(h)
	h.metrics.ConnectionClosed()
	close(h.done)
	if h.onExit != nil {
		h.onExit()
	}
}

type meteredReader struct {
	r io.Reader
	m *metrics.Collector
}

func (mr meteredReader) Read(p []byte) (int, error) {
	n, err := mr.r.Read(p)
	if n > 0 {
		mr.m.BytesReceived(int64(n))
	}
	return n, err
}
