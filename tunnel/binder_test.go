package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/dynamicpb"

	"revnotify/internal/endpoint"
	"revnotify/internal/metrics"
	"revnotify/internal/schema"
	"revnotify/internal/wire"
	"revnotify/util"
)

const waitFor = 3 * time.Second

func bind(t *testing.T, b *ReverseBinder, addr string) net.Listener {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ln, err := b.Bind(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func acceptAsync(ln net.Listener) <-chan acceptResult {
	out := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		out <- acceptResult{c, err}
	}()
	return out
}

func awaitAccept(t *testing.T, ch <-chan acceptResult) acceptResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("Accept did not return")
		return acceptResult{}
	}
}

func TestBind_AllocatedPort(t *testing.T) {
	gw := startGateway(t)
	ln := bind(t, &ReverseBinder{SSH: gw.sshConfig()}, "127.0.0.1:0")

	assert.Equal(t, allocatedPort, util.PortOf(ln.Addr()))
	fr := <-gw.forwards
	assert.Equal(t, "127.0.0.1", fr.BindAddr)
	assert.Zero(t, fr.BindPort)
}

func TestBind_FixedPort(t *testing.T) {
	gw := startGateway(t)
	ln := bind(t, &ReverseBinder{SSH: gw.sshConfig()}, "0.0.0.0:9000")

	assert.Equal(t, 9000, util.PortOf(ln.Addr()))
	assert.Equal(t, uint32(9000), (<-gw.forwards).BindPort)
}

func TestBind_Refused(t *testing.T) {
	gw := startGateway(t)
	gw.refuse.Store(true)
	m := metrics.New()

	_, err := (&ReverseBinder{SSH: gw.sshConfig(), Metrics: m}).Bind(context.Background(), "127.0.0.1:9000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.EqualValues(t, 1, m.ErrorCount())
}

func TestBind_BadAddress(t *testing.T) {
	b := &ReverseBinder{SSH: &SSHConfig{Host: "127.0.0.1", Port: 1}}
	for _, addr := range []string{"no-port", "host:http", "host:70000"} {
		_, err := b.Bind(context.Background(), addr)
		assert.Error(t, err, addr)
	}
}

func TestBind_GatewayUnreachable(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)
	b := &ReverseBinder{SSH: &SSHConfig{Host: "127.0.0.1", Port: port, AllowKeyboardInteractive: true}}

	_, err = b.Bind(context.Background(), "127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}

func TestBind_CountsReconnects(t *testing.T) {
	gw := startGateway(t)
	m := metrics.New()
	b := &ReverseBinder{SSH: gw.sshConfig(), Metrics: m}

	bind(t, b, "127.0.0.1:0").Close()
	assert.Zero(t, m.TunnelReconnects())
	bind(t, b, "127.0.0.1:0")
	assert.EqualValues(t, 1, m.TunnelReconnects())
}

func TestAccept_ForwardedConnection(t *testing.T) {
	gw := startGateway(t)
	ln := bind(t, &ReverseBinder{SSH: gw.sshConfig()}, "127.0.0.1:0")

	accepted := acceptAsync(ln)
	ch := gw.push(t, 5555)
	r := awaitAccept(t, accepted)
	require.NoError(t, r.err)
	defer r.conn.Close()

	assert.Equal(t, "203.0.113.7:5555", r.conn.RemoteAddr().String())
	assert.Equal(t, ln.Addr(), r.conn.LocalAddr())

	_, err := ch.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(r.conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestClose_UnblocksAcceptWithErrClosed(t *testing.T) {
	gw := startGateway(t)
	ln := bind(t, &ReverseBinder{SSH: gw.sshConfig()}, "127.0.0.1:0")

	accepted := acceptAsync(ln)
	require.NoError(t, ln.Close())
	r := awaitAccept(t, accepted)
	assert.ErrorIs(t, r.err, net.ErrClosed)
	assert.True(t, util.IsClosed(r.err))

	// A second Close is harmless.
	assert.NoError(t, ln.Close())
}

func TestGatewayLoss_SurfacesAsAcceptError(t *testing.T) {
	gw := startGateway(t)
	ln := bind(t, &ReverseBinder{SSH: gw.sshConfig()}, "127.0.0.1:0")

	accepted := acceptAsync(ln)
	gw.dropAll()
	r := awaitAccept(t, accepted)
	assert.ErrorIs(t, r.err, ErrGatewayLost)
	assert.False(t, util.IsClosed(r.err))
}

func TestKeepalive_Probes(t *testing.T) {
	gw := startGateway(t)
	bind(t, &ReverseBinder{SSH: gw.sshConfig(), KeepAlive: 20 * time.Millisecond}, "127.0.0.1:0")

	assert.Eventually(t, func() bool { return gw.keepalives.Load() >= 2 }, waitFor, 5*time.Millisecond)
}

func TestKeepalive_StalledGatewayLosesListener(t *testing.T) {
	gw := startGateway(t)
	gw.stall.Store(true)
	ln := bind(t, &ReverseBinder{SSH: gw.sshConfig(), KeepAlive: 30 * time.Millisecond}, "127.0.0.1:0")

	r := awaitAccept(t, acceptAsync(ln))
	require.Error(t, r.err)
	assert.True(t, errors.Is(r.err, ErrGatewayLost))
	assert.Contains(t, r.err.Error(), "keepalive")
}

// ── endpoint over the tunnel ─────────────────────────────────────────

const notifyProto = `
syntax = "proto3";
package bimserver;

message Progress {
  int64 topic_id = 1;
  string state = 2;
}

message Empty {}

service NotificationInterface {
  rpc progress (Progress) returns (Empty);
}
`

type chanSink chan *wire.Event

func (c chanSink) Deliver(ev *wire.Event) { c <- ev }

func TestEndpointOverReverseTunnel(t *testing.T) {
	gw := startGateway(t)
	s, err := schema.Parse("notify.proto", notifyProto)
	require.NoError(t, err)
	svc, err := s.Service("NotificationInterface")
	require.NoError(t, err)

	events := make(chanSink, 4)
	var faults []error
	ep := endpoint.New(events, endpoint.Options{Binder: &ReverseBinder{SSH: gw.sshConfig()}})
	ep.Observe(endpoint.ObserverFuncs{Fault: func(err error) { faults = append(faults, err) }})
	require.NoError(t, ep.Configure(endpoint.Config{Schema: s, Service: svc, Address: "127.0.0.1:0"}))
	require.NoError(t, ep.StartAndWaitForInit(context.Background()))
	assert.Equal(t, allocatedPort, util.PortOf(ep.Addr()))

	msg := dynamicpb.NewMessage(svc.Methods().ByName("progress").Input())
	require.NoError(t, protojson.Unmarshal([]byte(`{"topicId":"7","state":"FINISHED"}`), msg))
	ch := gw.push(t, 6000)
	require.NoError(t, wire.NewEncoder(ch).WriteEvent("NotificationInterface", "progress", msg))

	select {
	case ev := <-events:
		assert.Equal(t, "progress", ev.Method)
		assert.Equal(t, "203.0.113.7:6000", ev.Peer)
	case <-time.After(waitFor):
		t.Fatal("no event delivered over the tunnel")
	}

	require.NoError(t, ep.Stop())
	ep.Wait()
	assert.Empty(t, faults)
	assert.Equal(t, endpoint.StateStopped, ep.State())
}

func TestEndpointFaultsWhenGatewayDrops(t *testing.T) {
	gw := startGateway(t)
	s, err := schema.Parse("notify.proto", notifyProto)
	require.NoError(t, err)
	svc, err := s.Service("NotificationInterface")
	require.NoError(t, err)

	faults := make(chan error, 1)
	ep := endpoint.New(nil, endpoint.Options{Binder: &ReverseBinder{SSH: gw.sshConfig()}})
	ep.Observe(endpoint.ObserverFuncs{Fault: func(err error) { faults <- err }})
	require.NoError(t, ep.Configure(endpoint.Config{Schema: s, Service: svc, Address: "127.0.0.1:0"}))
	require.NoError(t, ep.StartAndWaitForInit(context.Background()))
	require.Equal(t, 1, gw.connCount())

	gw.dropAll()
	select {
	case err := <-faults:
		assert.ErrorIs(t, err, ErrGatewayLost)
	case <-time.After(waitFor):
		t.Fatal("gateway loss not reported as a fault")
	}
	ep.Wait()
	assert.Equal(t, endpoint.StateStopped, ep.State())
}
