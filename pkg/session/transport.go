package session

import "context"

// FrameKind is the WebSocket frame type of a Frame.
type FrameKind int

const (
	TextFrame FrameKind = iota + 1
	BinaryFrame
	PingFrame
	PongFrame
	CloseFrame
)

func (k FrameKind) String() string {
	switch k {
	case TextFrame:
		return "text"
	case BinaryFrame:
		return "binary"
	case PingFrame:
		return "ping"
	case PongFrame:
		return "pong"
	case CloseFrame:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one unit received from or sent to the transport.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Transport is a duplex frame stream, plain or TLS. A peer-initiated close is
// delivered by Receive as a CloseFrame; any Receive error is a transport
// failure. Receive is called from one goroutine and Send from another.
type Transport interface {
	Receive(ctx context.Context) (Frame, error)
	Send(ctx context.Context, f Frame) error
	Close() error
}
