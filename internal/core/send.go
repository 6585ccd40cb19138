package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	ncerr "revnotify/internal/errors"
	"revnotify/internal/transport"
	"revnotify/internal/wire"
	"revnotify/util"
)

// Notification is one frame to send: a method of the service and its
// request message as protojson.
type Notification struct {
	Method string
	JSON   string
}

// ParseNotification parses "method" or "method=json".  A bare method
// sends an empty message.
func ParseNotification(arg string) (Notification, error) {
	method, body, _ := strings.Cut(arg, "=")
	method = strings.TrimSpace(method)
	if method == "" {
		return Notification{}, fmt.Errorf("notification %q: missing method name", arg)
	}
	if strings.TrimSpace(body) == "" {
		body = "{}"
	}
	return Notification{Method: method, JSON: body}, nil
}

// SendMode plays the remote server: it dials an endpoint and writes
// framed notifications, the way the server does once a sink has
// registered its address.
type SendMode struct {
	Dialer        transport.Dialer
	Address       string
	Service       protoreflect.ServiceDescriptor
	Notifications []Notification
	// Count repeats the whole batch; values below 1 send it once.
	Count int
	// Interval pauses between frames.
	Interval time.Duration
	Logger   *util.Logger
}

type frame struct {
	method string
	msg    proto.Message
}

// Run encodes every notification up front, so a typo fails before
// anything is dialed, then writes them over a single connection.
func (m *SendMode) Run(ctx context.Context) error {
	frames, err := m.build()
	if err != nil {
		return err
	}

	conn, err := m.Dialer.Dial(ctx, "tcp", m.Address)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Address, err)
	}
	defer conn.Close()
	m.Logger.Verbose("connected to %s", conn.RemoteAddr())

	// Closing the socket unblocks a write stuck on a full buffer.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	enc := wire.NewEncoder(conn)
	service := string(m.Service.Name())
	count := m.Count
	if count < 1 {
		count = 1
	}

	sent := 0
	for i := 0; i < count; i++ {
		for _, f := range frames {
			if sent > 0 && m.Interval > 0 {
				if err := sleepCtx(ctx, m.Interval); err != nil {
					return err
				}
			}
			if err := enc.WriteEvent(service, f.method, f.msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("sending %s: %w", f.method, err)
			}
			sent++
			m.Logger.Debug("sent %s.%s", service, f.method)
		}
	}
	m.Logger.Info("sent %d notification(s) to %s", sent, m.Address)
	return nil
}

func (m *SendMode) build() ([]frame, error) {
	frames := make([]frame, 0, len(m.Notifications))
	for _, n := range m.Notifications {
		md := m.Service.Methods().ByName(protoreflect.Name(n.Method))
		if md == nil {
			return nil, fmt.Errorf("%w: %s has no method %q", ncerr.ErrUnknownMethod, m.Service.FullName(), n.Method)
		}
		msg := dynamicpb.NewMessage(md.Input())
		if err := protojson.Unmarshal([]byte(n.JSON), msg); err != nil {
			return nil, fmt.Errorf("%s payload: %w", n.Method, err)
		}
		frames = append(frames, frame{method: n.Method, msg: msg})
	}
	return frames, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
