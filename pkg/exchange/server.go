// Package exchange is a mock trading counterparty for the latency benchmark.
// It authenticates any token, acknowledges subscriptions, books every order
// and cancels it on request, answering immediately so that the measured
// round trip is dominated by the client and the network.
package exchange

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/hftbench/pkg/protocol"
)

// Error reasons sent in ERROR replies
const (
	ReasonInvalidToken     = "INVALID_API_TOKEN"
	ReasonNotAuthenticated = "NOT_AUTHENTICATED"
	ReasonInvalidMessage   = "INVALID_MESSAGE"
	ReasonUnknownType      = "UNKNOWN_MESSAGE_TYPE"
)

// Config holds mock exchange configuration.
type Config struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	// PingPeriod is how often the server pings each client. Zero disables
	// server pings.
	PingPeriod time.Duration
	// RejectTokens are answered with ERROR instead of AUTHENTICATED.
	RejectTokens []string
	// OmitInstrument leaves instrument_code out of BOOKED and DONE.
	OmitInstrument bool
}

// DefaultConfig returns default mock exchange configuration.
func DefaultConfig() Config {
	return Config{
		ReadLimit:    512 * 1024, // 512KB
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingPeriod:   54 * time.Second, // Must be less than PongTimeout
	}
}

// Stats are counters since the server started.
type Stats struct {
	Clients      int32  `json:"clients"`
	MessagesIn   uint64 `json:"messages_in"`
	MessagesOut  uint64 `json:"messages_out"`
	OrdersBooked uint64 `json:"orders_booked"`
	OrdersDone   uint64 `json:"orders_done"`
	Rejected     uint64 `json:"rejected"`
}

// Server is the mock exchange.
type Server struct {
	cfg    Config
	logger log.Logger

	reject map[string]bool

	clients    map[*Client]bool
	clientsMu  sync.Mutex
	register   chan *Client
	unregister chan *Client

	balances   map[string]map[string]decimal.Decimal
	balancesMu sync.RWMutex

	messagesIn   uint64
	messagesOut  uint64
	ordersBooked uint64
	ordersDone   uint64
	rejected     uint64
	clientCount  int32

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is one connected benchmark session.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	closed chan struct{}

	// Owned by readPump
	userID string
	orders map[string]string // client_id -> order_id
}

// NewServer creates a mock exchange. Run must be called to start the hub.
func NewServer(cfg Config, logger log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	reject := make(map[string]bool, len(cfg.RejectTokens))
	for _, token := range cfg.RejectTokens {
		reject[token] = true
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		reject:     reject,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		balances:   make(map[string]map[string]decimal.Decimal),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run starts the hub goroutine.
func (s *Server) Run() {
	s.wg.Add(1)
	go s.runHub()
}

// Handler routes the WebSocket endpoint, the balances endpoint and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleWebSocket)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /private/account/user/balances/{user}/{currency}/{amount}", s.handleAddBalance)
	mux.HandleFunc("GET /private/account/user/balances/{user}", s.handleGetBalances)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled or Stop is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.Run()
	s.logger.Info("Mock exchange starting", "addr", listener.Addr().String())

	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		s.Stop()
	}()

	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mock exchange error: %w", err)
	}
	return nil
}

// Stop closes every client connection and stops the hub.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
}

// runHub manages client registration.
func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				close(client.closed)
			}
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			s.clientsMu.Unlock()
			total := atomic.AddInt32(&s.clientCount, 1)
			s.logger.Debug("Client connected", "id", client.id, "total", total)

		case client := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.closed)
				atomic.AddInt32(&s.clientCount, -1)
			}
			s.clientsMu.Unlock()
			s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case <-ticker.C:
			s.logger.Debug("Mock exchange stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"booked", atomic.LoadUint64(&s.ordersBooked),
				"done", atomic.LoadUint64(&s.ordersDone))
		}
	}
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
		orders: make(map[string]string),
	}
	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Stats returns a copy of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Clients:      atomic.LoadInt32(&s.clientCount),
		MessagesIn:   atomic.LoadUint64(&s.messagesIn),
		MessagesOut:  atomic.LoadUint64(&s.messagesOut),
		OrdersBooked: atomic.LoadUint64(&s.ordersBooked),
		OrdersDone:   atomic.LoadUint64(&s.ordersDone),
		Rejected:     atomic.LoadUint64(&s.rejected),
	}
}

// readPump handles incoming messages from the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	cfg := c.server.cfg
	if cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(cfg.ReadLimit)
	}
	if cfg.PongTimeout > 0 && cfg.PingPeriod > 0 {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		c.conn.SetPongHandler(func(string) error {
			c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
			return nil
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Warn("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		atomic.AddUint64(&c.server.messagesIn, 1)
		c.handleMessage(data)
	}
}

// writePump writes queued replies and server pings.
func (c *Client) writePump() {
	cfg := c.server.cfg

	var ping <-chan time.Time
	if cfg.PingPeriod > 0 {
		ticker := time.NewTicker(cfg.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ping:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers one client request.
func (c *Client) handleMessage(data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		c.server.logger.Warn("Invalid request", "id", c.id, "error", err)
		c.sendError(ReasonInvalidMessage)
		return
	}

	if req.Type != protocol.TypeAuthenticate && c.userID == "" {
		c.sendError(ReasonNotAuthenticated)
		return
	}

	now := time.Now().UnixMilli()
	switch req.Type {
	case protocol.TypeAuthenticate:
		if req.APIToken == "" || c.server.reject[req.APIToken] {
			atomic.AddUint64(&c.server.rejected, 1)
			c.sendError(ReasonInvalidToken)
			return
		}
		c.userID = req.APIToken
		c.sendMessage(&protocol.Authenticated{Type: protocol.TypeAuthenticated})

	case protocol.TypeSubscribe:
		channels := make([]protocol.SubscribedChannel, 0, len(req.Channels))
		for _, ch := range req.Channels {
			channels = append(channels, protocol.SubscribedChannel{AccountID: c.userID, Name: ch.Name})
		}
		c.sendMessage(&protocol.Subscriptions{Type: protocol.TypeSubscriptions, Channels: channels, Time: now})

	case protocol.TypeCreateOrder:
		if req.Order == nil || req.Order.ClientID == "" {
			c.sendError(ReasonInvalidMessage)
			return
		}
		orderID := uuid.NewString()
		c.orders[req.Order.ClientID] = orderID
		atomic.AddUint64(&c.server.ordersBooked, 1)

		booked := &protocol.Booked{
			Type:              protocol.TypeBooked,
			OrderBookSequence: rand.Int64(),
			Side:              req.Order.Side,
			UID:               c.userID,
			Amount:            req.Order.Amount,
			Price:             req.Order.Price,
			ClientID:          req.Order.ClientID,
			OrderID:           orderID,
			ChannelName:       protocol.ChannelTrading,
			Time:              now,
		}
		if !c.server.cfg.OmitInstrument {
			booked.InstrumentCode = req.Order.InstrumentCode
		}
		c.sendMessage(booked)

	case protocol.TypeCancelOrder:
		if req.ClientID == "" {
			c.sendError(ReasonInvalidMessage)
			return
		}
		orderID, ok := c.orders[req.ClientID]
		if ok {
			delete(c.orders, req.ClientID)
		} else {
			orderID = uuid.NewString()
		}
		atomic.AddUint64(&c.server.ordersDone, 1)

		done := &protocol.Done{
			Type:              protocol.TypeDone,
			Status:            protocol.StatusCancelled,
			OrderBookSequence: rand.Int64(),
			UID:               c.userID,
			ClientID:          req.ClientID,
			OrderID:           orderID,
			ChannelName:       protocol.ChannelTrading,
			Time:              now,
		}
		if !c.server.cfg.OmitInstrument {
			done.InstrumentCode = req.InstrumentCode
		}
		c.sendMessage(done)

	default:
		c.server.logger.Debug("Ignoring unknown message type", "type", req.Type)
		c.sendError(ReasonUnknownType)
	}
}

// sendMessage queues a reply. A client that cannot keep up is disconnected.
func (c *Client) sendMessage(msg protocol.Outgoing) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}

	select {
	case c.send <- data:
	case <-c.closed:
	default:
		c.server.logger.Warn("Client send buffer full, disconnecting", "id", c.id)
		c.conn.Close()
	}
}

func (c *Client) sendError(reason string) {
	c.sendMessage(protocol.NewErrorReply(reason))
}
