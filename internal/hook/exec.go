// Package hook runs a user command for every received event, so that
// notifications can drive scripts without a long-lived consumer.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"revnotify/internal/metrics"
	"revnotify/internal/wire"
	"revnotify/util"
)

// DefaultTimeout bounds one hook invocation.
const DefaultTimeout = 30 * time.Second

// Exec runs a child process per event with the event's JSON on stdin.
// Either Program (-e) or Command (-c) must be set.
type Exec struct {
	Program string // -e: execute a program directly
	Command string // -c: execute via the system shell
	Timeout time.Duration

	// Stdout and Stderr receive the child's output; nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Handle runs the hook once for ev.  The child sees the event as JSON
// on stdin and as REVNOTIFY_SERVICE, REVNOTIFY_METHOD and REVNOTIFY_PEER
// in its environment.
func (e *Exec) Handle(ctx context.Context, ev *wire.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch {
	case e.Command != "":
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(ctx, "cmd.exe", "/C", e.Command)
		} else {
			cmd = exec.CommandContext(ctx, "/bin/sh", "-c", e.Command)
		}
	case e.Program != "":
		cmd = exec.CommandContext(ctx, e.Program)
	default:
		return errors.New("no command specified for the event hook")
	}

	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.Env = append(os.Environ(),
		"REVNOTIFY_SERVICE="+ev.Service,
		"REVNOTIFY_METHOD="+ev.Method,
		"REVNOTIFY_PEER="+ev.Peer,
	)

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("hook %q timed out after %v", cmd.Path, timeout)
		}
		return fmt.Errorf("hook %q: %w", cmd.Path, err)
	}
	return nil
}

// Run invokes the hook for each event, in order, until the channel
// closes or ctx is cancelled.  A failing hook is logged and counted;
// it never stops the loop.
func (e *Exec) Run(ctx context.Context, events <-chan *wire.Event, logger *util.Logger, m *metrics.Collector) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.Handle(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("%s.%s: %v", ev.Service, ev.Method, err)
				m.RecordError(err.Error())
				continue
			}
			logger.Debug("hook ran for %s.%s", ev.Service, ev.Method)
		}
	}
}
