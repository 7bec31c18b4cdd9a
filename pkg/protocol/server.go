package protocol

import "fmt"

// Fixed reply fields of the exchange
const (
	ChannelTrading  = "TRADING"
	StatusCancelled = "CANCELLED"
)

// Request is the exchange-side view of any client request.
type Request struct {
	Type           string    `json:"type"`
	APIToken       string    `json:"api_token,omitempty"`
	Channels       []Channel `json:"channels,omitempty"`
	Order          *Order    `json:"order,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	InstrumentCode string    `json:"instrument_code,omitempty"`
}

// DecodeRequest parses a client request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Type == "" {
		return Request{}, ErrMissingType
	}
	return req, nil
}

// Authenticated acknowledges AUTHENTICATE.
type Authenticated struct {
	Type string `json:"type"`
}

// MessageType implements Outgoing.
func (m *Authenticated) MessageType() string { return m.Type }

// SubscribedChannel is one entry of a SUBSCRIPTIONS reply.
type SubscribedChannel struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

// Subscriptions acknowledges SUBSCRIBE.
type Subscriptions struct {
	Type     string              `json:"type"`
	Channels []SubscribedChannel `json:"channels"`
	Time     int64               `json:"time"`
}

// MessageType implements Outgoing.
func (m *Subscriptions) MessageType() string { return m.Type }

// Booked acknowledges CREATE_ORDER.
type Booked struct {
	Type              string `json:"type"`
	OrderBookSequence int64  `json:"order_book_sequence"`
	Side              string `json:"side"`
	UID               string `json:"uid"`
	Amount            string `json:"amount"`
	Price             string `json:"price"`
	InstrumentCode    string `json:"instrument_code,omitempty"`
	ClientID          string `json:"client_id"`
	OrderID           string `json:"order_id"`
	ChannelName       string `json:"channel_name"`
	Time              int64  `json:"time"`
}

// MessageType implements Outgoing.
func (m *Booked) MessageType() string { return m.Type }

// Done acknowledges CANCEL_ORDER.
type Done struct {
	Type              string `json:"type"`
	Status            string `json:"status"`
	OrderBookSequence int64  `json:"order_book_sequence"`
	UID               string `json:"uid"`
	InstrumentCode    string `json:"instrument_code,omitempty"`
	ClientID          string `json:"client_id"`
	OrderID           string `json:"order_id"`
	ChannelName       string `json:"channel_name"`
	Time              int64  `json:"time"`
}

// MessageType implements Outgoing.
func (m *Done) MessageType() string { return m.Type }

// ErrorReply rejects a request.
type ErrorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// MessageType implements Outgoing.
func (m *ErrorReply) MessageType() string { return m.Type }

// NewErrorReply builds an ERROR message.
func NewErrorReply(reason string) *ErrorReply {
	return &ErrorReply{Type: TypeError, Error: reason}
}
