package domain

type SessionState int32

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionJoined
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionJoined:
		return "joined"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// Notification is a server push as delivered by the signaling transport.
type Notification struct {
	Method string
	Data   []byte
}

const NotificationUserIn = "userin"
