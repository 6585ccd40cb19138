// Package httpapi exposes the endpoint to local tooling over HTTP:
//
//	GET /events   WebSocket stream of decoded events as JSON
//	GET /metrics  Prometheus exposition
//	GET /stats    JSON metrics snapshot
//	GET /healthz  endpoint state
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"revnotify/internal/metrics"
	"revnotify/internal/multicast"
	"revnotify/util"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	shutdownGrace       = 5 * time.Second
)

// Status is what /healthz reports.
type Status struct {
	State       string `json:"state"`
	Address     string `json:"address,omitempty"`
	Service     string `json:"service,omitempty"`
	Schema      string `json:"schema,omitempty"`
	Connections int    `json:"connections"`
	Subscribers int    `json:"subscribers"`
	Healthy     bool   `json:"healthy"`
}

// Options configure a Server.
type Options struct {
	Logger *util.Logger
	// AllowedOrigins lists browser origins permitted to open /events.
	// Requests without an Origin header and localhost origins are
	// always accepted.
	AllowedOrigins []string
	PingInterval   time.Duration
}

// Server serves the HTTP surface.
type Server struct {
	hub      *multicast.Hub
	metrics  *metrics.Collector
	status   func() Status
	logger   *util.Logger
	ping     time.Duration
	upgrader websocket.Upgrader
	router   *httprouter.Router
}

// New builds a Server.  status is polled on every /healthz request.
func New(hub *multicast.Hub, m *metrics.Collector, status func() Status, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	s := &Server{
		hub:     hub,
		metrics: m,
		status:  status,
		logger:  opts.Logger,
		ping:    opts.PingInterval,
	}
	s.upgrader.CheckOrigin = originChecker(opts.AllowedOrigins, opts.Logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if m != nil {
		reg.MustRegister(m)
	}

	s.router = &httprouter.Router{
		RedirectTrailingSlash:  true,
		RedirectFixedPath:      true,
		HandleMethodNotAllowed: true,
	}
	s.router.GET("/events", s.handleEvents)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/healthz", s.handleHealth)
	s.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// Serve answers requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	s.logger.Info("http surface on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// ── handlers ─────────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	st := s.status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// methodFilter accepts ?method=a&method=b as well as ?method=a,b.
func methodFilter(q url.Values) []string {
	var out []string
	for _, v := range q["method"] {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

func originChecker(allowlist []string, logger *util.Logger) func(*http.Request) bool {
	allowed := make(map[string]bool, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin %q", origin)
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		if allowed[strings.ToLower(u.Scheme+"://"+u.Host)] {
			return true
		}
		logger.Warn("rejecting /events from origin %q", origin)
		return false
	}
}
