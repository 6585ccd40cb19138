// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a notification endpoint.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
//
// Collector also implements [prometheus.Collector]; register it with a
// prometheus.Registry to export the same counters on /metrics.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "revnotify"

// Collector tracks runtime metrics for an endpoint.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	eventsDelivered   atomic.Int64
	eventsDropped     atomic.Int64
	decodeWarnings    atomic.Int64
	protocolErrors    atomic.Int64
	listenerFaults    atomic.Int64
	bytesIn           atomic.Int64
	restarts          atomic.Int64
	tunnelReconnects  atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastEvent    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── Event metrics ────────────────────────────────────────────────────

// EventDelivered records one decoded event handed to the sink.
func (c *Collector) EventDelivered() {
	if c == nil {
		return
	}
	c.eventsDelivered.Add(1)
	c.mu.Lock()
	c.lastEvent = time.Now()
	c.mu.Unlock()
}

// EventDropped records an event a slow subscriber could not take.
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Add(1)
}

// DecodeWarning records a recoverable per-message warning.
func (c *Collector) DecodeWarning() {
	if c == nil {
		return
	}
	c.decodeWarnings.Add(1)
}

// EventsDelivered returns the number of events handed to the sink.
func (c *Collector) EventsDelivered() int64 {
	if c == nil {
		return 0
	}
	return c.eventsDelivered.Load()
}

// EventsDropped returns the number of events dropped by the hub.
func (c *Collector) EventsDropped() int64 {
	if c == nil {
		return 0
	}
	return c.eventsDropped.Load()
}

// BytesReceived records n bytes read from an inbound connection.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// ── Failure metrics ──────────────────────────────────────────────────

// ProtocolError records a connection terminated by a decode failure.
func (c *Collector) ProtocolError(msg string) {
	if c == nil {
		return
	}
	c.protocolErrors.Add(1)
	c.RecordError(msg)
}

// ListenerFault records an unexpected accept failure.
func (c *Collector) ListenerFault(msg string) {
	if c == nil {
		return
	}
	c.listenerFaults.Add(1)
	c.RecordError(msg)
}

// ProtocolErrors returns the number of connections ended by bad frames.
func (c *Collector) ProtocolErrors() int64 {
	if c == nil {
		return 0
	}
	return c.protocolErrors.Load()
}

// ListenerFaults returns the number of unexpected accept failures.
func (c *Collector) ListenerFaults() int64 {
	if c == nil {
		return 0
	}
	return c.listenerFaults.Load()
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Lifecycle metrics ────────────────────────────────────────────────

// Restart records an endpoint restart by the supervisor.
func (c *Collector) Restart() {
	if c == nil {
		return
	}
	c.restarts.Add(1)
}

// Restarts returns the total restart count.
func (c *Collector) Restarts() int64 {
	if c == nil {
		return 0
	}
	return c.restarts.Load()
}

// TunnelReconnect records an SSH gateway reconnection.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	EventsDelivered   int64  `json:"events_delivered"`
	EventsDropped     int64  `json:"events_dropped"`
	DecodeWarnings    int64  `json:"decode_warnings"`
	ProtocolErrors    int64  `json:"protocol_errors"`
	ListenerFaults    int64  `json:"listener_faults"`
	BytesIn           int64  `json:"bytes_in"`
	Restarts          int64  `json:"restarts"`
	TunnelReconnects  int64  `json:"tunnel_reconnects"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastEvent         string `json:"last_event,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		EventsDelivered:   c.eventsDelivered.Load(),
		EventsDropped:     c.eventsDropped.Load(),
		DecodeWarnings:    c.decodeWarnings.Load(),
		ProtocolErrors:    c.protocolErrors.Load(),
		ListenerFaults:    c.listenerFaults.Load(),
		BytesIn:           c.bytesIn.Load(),
		Restarts:          c.restarts.Load(),
		TunnelReconnects:  c.tunnelReconnects.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastEvent.IsZero() {
		s.LastEvent = c.lastEvent.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// ── Prometheus export ────────────────────────────────────────────────

type promMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(c *Collector) int64
}

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

var promMetrics = []promMetric{ //nolint:gochecknoglobals
	{newDesc("connections_active", "Inbound connections currently open."), prometheus.GaugeValue,
		func(c *Collector) int64 { return c.connectionsActive.Load() }},
	{newDesc("connections_total", "Inbound connections accepted."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.connectionsTotal.Load() }},
	{newDesc("events_delivered_total", "Notification events handed to the multicast sink."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.eventsDelivered.Load() }},
	{newDesc("events_dropped_total", "Events dropped because a subscriber queue was full."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.eventsDropped.Load() }},
	{newDesc("decode_warnings_total", "Recoverable per-message decode warnings."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.decodeWarnings.Load() }},
	{newDesc("protocol_errors_total", "Connections terminated by undecodable frames."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.protocolErrors.Load() }},
	{newDesc("listener_faults_total", "Accept failures not caused by a requested stop."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.listenerFaults.Load() }},
	{newDesc("received_bytes_total", "Bytes read from inbound connections."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.bytesIn.Load() }},
	{newDesc("restarts_total", "Endpoint restarts performed by the supervisor."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.restarts.Load() }},
	{newDesc("tunnel_reconnects_total", "SSH gateway reconnections."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.tunnelReconnects.Load() }},
	{newDesc("errors_total", "All recorded errors."), prometheus.CounterValue,
		func(c *Collector) int64 { return c.errorsTotal.Load() }},
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range promMetrics {
		ch <- m.desc
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil {
		return
	}
	for _, m := range promMetrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, float64(m.value(c)))
	}
}
