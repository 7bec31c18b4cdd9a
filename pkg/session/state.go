package session

// State is the position of a session in the protocol.
type State int

const (
	Connecting State = iota
	Authenticating
	Subscribing
	Testing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Subscribing:
		return "subscribing"
	case Testing:
		return "testing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
