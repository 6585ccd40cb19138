package endpoint

// State is the endpoint lifecycle position.  The listening socket is
// open exactly while the state is Listening or Stopping.
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateListening
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
