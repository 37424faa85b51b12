package mqttsource

// ConnState is the broker connection state as seen by the manager loop.
// Transitions: Disconnected → Connecting → Connected → Subscribing → Active.
// A lost connection moves Active back through Reconnecting to Connecting.
// Closing is entered once during shutdown and ends in Disconnected.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateActive
	StateReconnecting
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
