package session

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/hftbench/pkg/protocol"
)

// Metrics receives frame-level counters from a Loop.
type Metrics interface {
	FrameReceived(frame string)
	FrameSent(frame string)
	DecodeFailed()
	PendingExpired(n int)
}

type nopMetrics struct{}

func (nopMetrics) FrameReceived(string) {}
func (nopMetrics) FrameSent(string)     {}
func (nopMetrics) DecodeFailed()        {}
func (nopMetrics) PendingExpired(int)   {}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithMetrics reports frame counters to m.
func WithMetrics(m Metrics) LoopOption {
	return func(l *Loop) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithPendingTimeout drops requests left unanswered for longer than d. The
// sweep runs every d/2. Zero disables it.
func WithPendingTimeout(d time.Duration) LoopOption {
	return func(l *Loop) {
		l.pendingTimeout = d
	}
}

// received is a frame or error handed from the reader to the owner.
type received struct {
	frame Frame
	err   error
}

// Loop connects a Transport to a Machine. Run's goroutine is the only one
// that touches the machine and its tracker; a reader goroutine forwards
// inbound frames over a channel.
type Loop struct {
	transport Transport
	machine   *Machine
	logger    log.Logger
	metrics   Metrics

	pendingTimeout time.Duration
}

// NewLoop creates a loop. The loop owns the transport and closes it when Run
// returns.
func NewLoop(t Transport, m *Machine, logger log.Logger, opts ...LoopOption) *Loop {
	l := &Loop{
		transport: t,
		machine:   m,
		logger:    logger,
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives the session until the machine closes, the peer closes, the
// transport fails or ctx is cancelled. It returns nil on a normal close, an
// ErrTransport wrapped error on transport failure, ErrAuthenticationFailed
// when the exchange rejects the token, and ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer l.transport.Close()

	out, err := l.machine.Start()
	if err != nil {
		return err
	}
	if err := l.write(ctx, out); err != nil {
		l.machine.TransportClosed()
		return err
	}

	frames := make(chan received, 16)
	go l.read(ctx, frames)

	var sweep <-chan time.Time
	if l.pendingTimeout > 0 {
		ticker := time.NewTicker(l.pendingTimeout / 2)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			l.machine.TransportClosed()
			return ctx.Err()

		case <-sweep:
			if n := l.machine.Tracker().Expire(l.pendingTimeout); n > 0 {
				l.logger.Warn("Dropped unanswered requests", "count", n, "timeout", l.pendingTimeout)
				l.metrics.PendingExpired(n)
			}

		case r := <-frames:
			if r.err != nil {
				l.machine.TransportClosed()
				l.logger.Error("WebSocket error", "error", r.err)
				return fmt.Errorf("%w: receive: %v", ErrTransport, r.err)
			}
			done, err := l.dispatch(ctx, r.frame)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// read forwards frames until an error, a close frame or cancellation.
func (l *Loop) read(ctx context.Context, frames chan<- received) {
	for {
		f, err := l.transport.Receive(ctx)
		select {
		case frames <- received{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil || f.Kind == CloseFrame {
			return
		}
	}
}

// dispatch handles one inbound frame and reports whether the session is over.
func (l *Loop) dispatch(ctx context.Context, f Frame) (bool, error) {
	l.metrics.FrameReceived(f.Kind.String())

	switch f.Kind {
	case TextFrame:
		msg, err := protocol.Decode(f.Data)
		if err != nil {
			l.logger.Warn("Failed to parse message", "error", err, "payload", string(f.Data))
			l.metrics.DecodeFailed()
			return false, nil
		}
		l.logger.Debug("Received", "payload", string(f.Data))

		out, err := l.machine.Handle(msg)
		if err != nil {
			return true, err
		}
		if err := l.write(ctx, out); err != nil {
			l.machine.TransportClosed()
			return true, err
		}
		return l.machine.State() == Closed, nil

	case PingFrame:
		if err := l.send(ctx, Frame{Kind: PongFrame, Data: f.Data}); err != nil {
			l.machine.TransportClosed()
			return true, err
		}
		return false, nil

	case CloseFrame:
		l.logger.Info("Connection closed by peer", "state", l.machine.State().String())
		l.machine.TransportClosed()
		return true, nil

	default:
		return false, nil
	}
}

func (l *Loop) write(ctx context.Context, out *Outbound) error {
	if out == nil {
		return nil
	}
	if out.Message != nil {
		data, err := protocol.Encode(out.Message)
		if err != nil {
			return err
		}
		l.logger.Debug("Sending", "payload", string(data))
		if err := l.send(ctx, Frame{Kind: TextFrame, Data: data}); err != nil {
			return err
		}
	}
	if out.Close {
		if err := l.send(ctx, Frame{Kind: CloseFrame}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) send(ctx context.Context, f Frame) error {
	if err := l.transport.Send(ctx, f); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: send %s: %v", ErrTransport, f.Kind, err)
	}
	l.metrics.FrameSent(f.Kind.String())
	return nil
}
