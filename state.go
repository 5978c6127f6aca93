package kafka

// State is the lifecycle state of a Producer or Consumer.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Consuming
	Paused
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Consuming:
		return "consuming"
	case Paused:
		return "paused"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}
