package realtime

// State is the lifecycle state of a coordinator.
type State int32

const (
	// StateStarting is the state before the first stream connection attempt.
	StateStarting State = iota
	// StateStreaming means the event stream is connected.
	StateStreaming
	// StateDegraded means the stream is down (or disabled) and freshness
	// relies on polling until it reconnects.
	StateDegraded
	// StateStopped is final. No callback runs after it is entered.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
