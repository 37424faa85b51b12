package bridge

// State is the bridge lifecycle state. The happy path runs Init →
// StoreReady → BrokerActive → Running; shutdown runs Draining → Stopped.
type State int32

const (
	StateInit State = iota
	StateStoreReady
	StateBrokerActive
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStoreReady:
		return "store_ready"
	case StateBrokerActive:
		return "broker_active"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
