package core

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"google.golang.org/protobuf/encoding/protojson"

	"revnotify/internal/wire"
)

const timeLayout = "15:04:05.000"

// Printer renders events as one line each:
//
//	15:04:05.000 10.0.0.7:51234 NotificationInterface.progress {"topic_id":"7"}
//
// followed by one indented line per decode warning.
type Printer struct {
	mu     sync.Mutex
	out    io.Writer
	stamp  *color.Color
	peer   *color.Color
	method *color.Color
	warn   *color.Color
	json   protojson.MarshalOptions
}

// NewPrinter writes to out, with ANSI colours only when colour is true.
func NewPrinter(out io.Writer, colour bool) *Printer {
	p := &Printer{
		out:    out,
		stamp:  color.New(color.Faint),
		peer:   color.New(color.FgCyan),
		method: color.New(color.FgGreen, color.Bold),
		warn:   color.New(color.FgYellow),
		json:   protojson.MarshalOptions{UseProtoNames: true},
	}
	for _, c := range []*color.Color{p.stamp, p.peer, p.method, p.warn} {
		if colour {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// Print writes one event.
func (p *Printer) Print(ev *wire.Event) {
	body := "{}"
	if ev.Message != nil {
		if b, err := p.json.Marshal(ev.Message); err == nil {
			body = string(b)
		} else {
			body = fmt.Sprintf("<unprintable: %v>", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s %s\n",
		p.stamp.Sprint(ev.ReceivedAt.Format(timeLayout)),
		p.peer.Sprint(ev.Peer),
		p.method.Sprint(ev.Service+"."+ev.Method),
		body)
	for _, w := range ev.Warnings {
		fmt.Fprintf(p.out, "  %s\n", p.warn.Sprint("warning: "+w))
	}
}

// Run prints events until the channel closes or ctx is cancelled.
func (p *Printer) Run(ctx context.Context, events <-chan *wire.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Print(ev)
		}
	}
}
