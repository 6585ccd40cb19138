package endpoint

import "revnotify/internal/wire"

// Observer is told when the accept loop has a peer attached and when
// the loop ends.  OnDisconnected fires once per start/stop cycle, not
// once per connection.  Callbacks run on the accept goroutine and must
// not block.
type Observer interface {
	OnConnected()
	OnDisconnected()
}

// FaultObserver is optionally implemented by an Observer that wants the
// error behind an unplanned end of the accept loop: a *ListenerFault,
// or a *BindError from a lazy [Endpoint.Start].
type FaultObserver interface {
	OnFault(err error)
}

// Sink receives decoded events.  Deliver is called on the connection's
// goroutine and must return quickly.
type Sink interface {
	Deliver(ev *wire.Event)
}

// ObserverFuncs adapts plain functions to [Observer] and
// [FaultObserver].  Nil fields are skipped.
type ObserverFuncs struct {
	Connected    func()
	Disconnected func()
	Fault        func(err error)
}

func (f ObserverFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

func (f ObserverFuncs) OnDisconnected() {
	if f.Disconnected != nil {
		f.Disconnected()
	}
}

func (f ObserverFuncs) OnFault(err error) {
	if f.Fault != nil {
		f.Fault(err)
	}
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ev *wire.Event)

func (f SinkFunc) Deliver(ev *wire.Event) { f(ev) }

type discardSink struct{}

func (discardSink) Deliver(*wire.Event) {}
