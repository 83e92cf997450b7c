package session

// State is the connection state of a Manager.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateListening
	StateConnecting
	StateConnected
	// StateDisconnecting covers the gap between a host losing its client and
	// the listener being reopened.
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Role is the side of the link this host plays. It decides what happens
// when a connection ends: a host goes back to listening, a client stops.
type Role int

const (
	RoleNone Role = iota
	RoleClient
	RoleHost
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleHost:
		return "host"
	default:
		return "none"
	}
}
