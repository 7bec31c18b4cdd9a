// Package transport adapts gorilla/websocket connections to the session
// Transport interface, over plain TCP or TLS.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/hftbench/pkg/session"
)

const (
	// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a data frame write when ctx has no deadline.
	DefaultWriteTimeout = 10 * time.Second

	// Time allowed to write a control frame.
	controlWait = 5 * time.Second
)

// Options configures Dial.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval sends a keepalive ping this often. Zero disables it.
	PingInterval time.Duration
	// TLS is required for wss:// URLs. Nil uses the default client config.
	TLS *tls.Config
}

// conn is the gorilla adapter shared by PlainConn and SecureConn.
type conn struct {
	ws     *websocket.Conn
	logger log.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	pingMu   sync.Mutex
	lastPing time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// PlainConn is a session transport over ws://.
type PlainConn struct {
	*conn
}

// SecureConn is a session transport over wss://.
type SecureConn struct {
	*conn
	state tls.ConnectionState
}

// ConnectionState returns the negotiated TLS parameters.
func (c *SecureConn) ConnectionState() tls.ConnectionState {
	return c.state
}

// Dial opens a WebSocket to opts.URL and returns a PlainConn or SecureConn
// depending on the scheme.
func Dial(ctx context.Context, opts Options, logger log.Logger) (session.Transport, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", opts.URL, err)
	}
	switch u.Scheme {
	case "ws":
		return DialPlain(ctx, opts, logger)
	case "wss":
		return DialSecure(ctx, opts, logger)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// DialPlain connects without TLS.
func DialPlain(ctx context.Context, opts Options, logger log.Logger) (*PlainConn, error) {
	ws, err := dial(ctx, opts, nil)
	if err != nil {
		return nil, err
	}
	logger.Info("WebSocket connection established", "url", opts.URL, "tls", false)
	return &PlainConn{conn: newConn(ws, opts, logger)}, nil
}

// DialSecure connects over TLS.
func DialSecure(ctx context.Context, opts Options, logger log.Logger) (*SecureConn, error) {
	tlsConfig := opts.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	ws, err := dial(ctx, opts, tlsConfig)
	if err != nil {
		return nil, err
	}

	c := &SecureConn{conn: newConn(ws, opts, logger)}
	if tlsConn, ok := ws.UnderlyingConn().(*tls.Conn); ok {
		c.state = tlsConn.ConnectionState()
	}
	logger.Info("WebSocket connection established", "url", opts.URL, "tls", true,
		"version", tls.VersionName(c.state.Version), "cipher", tls.CipherSuiteName(c.state.CipherSuite))
	return c, nil
}

func dial(ctx context.Context, opts Options, tlsConfig *tls.Config) (*websocket.Conn, error) {
	timeout := opts.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		TLSClientConfig:  tlsConfig,
	}

	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.URL, err)
	}
	return ws, nil
}

func newConn(ws *websocket.Conn, opts Options, logger log.Logger) *conn {
	c := &conn{
		ws:           ws,
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = DefaultWriteTimeout
	}

	ws.SetPingHandler(func(data string) error {
		logger.Debug("Ping received")
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		c.pingMu.Lock()
		sent := c.lastPing
		c.pingMu.Unlock()
		if !sent.IsZero() {
			logger.Debug("Pong received", "rtt", time.Since(sent))
		}
		return nil
	})

	if opts.PingInterval > 0 {
		go c.keepalive(opts.PingInterval)
	}
	return c
}

// keepalive pings the server until the connection is closed.
func (c *conn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.pingMu.Lock()
			c.lastPing = time.Now()
			c.pingMu.Unlock()
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				c.logger.Debug("Keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// Receive returns the next data frame. A close handshake from the peer is
// returned as a CloseFrame. Control frames are handled by the connection's
// handlers and never returned. Receive does not observe ctx once blocked;
// Close unblocks it.
func (c *conn) Receive(ctx context.Context) (session.Frame, error) {
	if err := ctx.Err(); err != nil {
		return session.Frame{}, err
	}

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
			return session.Frame{Kind: session.CloseFrame, Data: []byte(closeErr.Text)}, nil
		}
		return session.Frame{}, err
	}

	switch messageType {
	case websocket.BinaryMessage:
		return session.Frame{Kind: session.BinaryFrame, Data: data}, nil
	default:
		return session.Frame{Kind: session.TextFrame, Data: data}, nil
	}
}

// Send writes one frame. A data frame write is bounded by the ctx deadline,
// or by the write timeout when ctx has none, and is aborted when ctx is
// cancelled. Cancellation during the write closes the connection.
func (c *conn) Send(ctx context.Context, f session.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch f.Kind {
	case session.TextFrame, session.BinaryFrame:
		if err := ctx.Err(); err != nil {
			return err
		}
		messageType := websocket.TextMessage
		if f.Kind == session.BinaryFrame {
			messageType = websocket.BinaryMessage
		}
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(c.writeTimeout)
		}
		if err := c.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}

		// Unblocks a write stuck on a peer that stopped reading
		stop := context.AfterFunc(ctx, func() {
			c.Close()
		})
		err := c.ws.WriteMessage(messageType, f.Data)
		if cancelled := !stop(); cancelled && err != nil {
			return ctx.Err()
		}
		return err

	case session.PingFrame:
		return c.ws.WriteControl(websocket.PingMessage, f.Data, time.Now().Add(controlWait))

	case session.PongFrame:
		return c.ws.WriteControl(websocket.PongMessage, f.Data, time.Now().Add(controlWait))

	case session.CloseFrame:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(f.Data))
		return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait))

	default:
		return fmt.Errorf("unsupported frame kind %s", f.Kind)
	}
}

// Close stops the keepalive and closes the network connection.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}
