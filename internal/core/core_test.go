package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"revnotify/config"
	"revnotify/internal/endpoint"
	"revnotify/internal/metrics"
	"revnotify/internal/multicast"
	"revnotify/internal/retry"
	"revnotify/internal/transport"
	"revnotify/util"
)

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

const notifyProtoV2 = `
syntax = "proto3";
package bimserver;

message Progress {
  int64 topic_id = 1;
  string state = 2;
}

message NewRevision {
  int64 project_id = 1;
  int64 revision_id = 2;
}

message Empty {}

service NotificationInterface {
  rpc progress (Progress) returns (Empty);
  rpc newRevision (NewRevision) returns (Empty);
}
`

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// ── fixtures ─────────────────────────────────────────────────────────

func writeSchema(t *testing.T, dir, src string) string {
	t.Helper()
	path := filepath.Join(dir, "notify.proto")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.SchemaPath = writeSchema(t, t.TempDir(), notifyProto)
	cfg.Service = "NotificationInterface"
	return cfg
}

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// flakyBinder fails the first failures binds, then binds locally and
// remembers the listener so tests can break it.
type flakyBinder struct {
	mu       sync.Mutex
	failures int
	attempts int
	ln       net.Listener
}

func (b *flakyBinder) Bind(ctx context.Context, addr string) (net.Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.attempts <= b.failures {
		return nil, errors.New("address temporarily unavailable")
	}
	ln, err := (&transport.TCPBinder{}).Bind(ctx, addr)
	if err == nil {
		b.ln = ln
	}
	return ln, err
}

func (b *flakyBinder) listener() net.Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ln
}

func (b *flakyBinder) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// newTestRuntime wires a runtime the way Build does, but with a
// caller-supplied binder and a fast backoff.
func newTestRuntime(t *testing.T, cfg *config.Config, binder transport.Binder) *Runtime {
	t.Helper()
	logger := util.NewLogger(0)
	sch, svc, err := loadSchema(cfg)
	require.NoError(t, err)

	m := metrics.New()
	hub := multicast.New(16, m)
	ep := endpoint.New(hub, endpoint.Options{Logger: logger, Metrics: m, Binder: binder})
	addr, err := endpointAddress(cfg)
	require.NoError(t, err)
	require.NoError(t, ep.Configure(endpoint.Config{Schema: sch, Service: svc, Address: addr}))

	backoff := &retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}
	return newRuntime(cfg, logger, m, hub, ep, backoff)
}

// running tracks one Run call.  exited is closed after err is set, so
// any number of waiters can observe the result.
type running struct {
	cancel context.CancelFunc
	exited chan struct{}
	err    error
}

// wait blocks until Run returns without cancelling it.
func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.exited:
		return r.err
	case <-time.After(waitFor):
		t.Fatal("runtime did not stop")
		return nil
	}
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	return r.wait(t)
}

func run(t *testing.T, rt *Runtime) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, exited: make(chan struct{})}
	go func() {
		r.err = rt.Run(ctx)
		close(r.exited)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.exited
	})

	select {
	case <-rt.Ready():
	case <-r.exited:
		t.Fatalf("runtime exited before binding: %v", r.err)
	case <-time.After(waitFor):
		t.Fatal("runtime never bound")
	}
	return r
}
