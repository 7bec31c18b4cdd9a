// Package protocol defines the JSON messages exchanged with the trading
// counterparty. Every message is an object carrying a "type" discriminator.
package protocol

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outbound message types
const (
	TypeAuthenticate = "AUTHENTICATE"
	TypeSubscribe    = "SUBSCRIBE"
	TypeCreateOrder  = "CREATE_ORDER"
	TypeCancelOrder  = "CANCEL_ORDER"
)

// Inbound message types
const (
	TypeAuthenticated = "AUTHENTICATED"
	TypeSubscriptions = "SUBSCRIPTIONS"
	TypeBooked        = "BOOKED"
	TypeDone          = "DONE"
	TypeError         = "ERROR"
)

// Order defaults used by the latency test
const (
	DefaultChannel     = "ORDERS"
	SideBuy            = "BUY"
	SideSell           = "SELL"
	OrderTypeLimit     = "LIMIT"
	GoodTillCancelled  = "GOOD_TILL_CANCELLED"
	DefaultInstrument  = "BTC_EUR"
	ClientIDTextLength = 36
)

// Outgoing is a request the client sends to the exchange.
type Outgoing interface {
	MessageType() string
}

// Authenticate carries the API token.
type Authenticate struct {
	Type     string `json:"type"`
	APIToken string `json:"api_token"`
}

// MessageType implements Outgoing.
func (m *Authenticate) MessageType() string { return m.Type }

// Channel names a subscription channel.
type Channel struct {
	Name string `json:"name"`
}

// Subscribe requests channel subscriptions.
type Subscribe struct {
	Type     string    `json:"type"`
	Channels []Channel `json:"channels"`
}

// MessageType implements Outgoing.
func (m *Subscribe) MessageType() string { return m.Type }

// Order is the body of a CREATE_ORDER request. Price and amount travel as
// decimal strings.
type Order struct {
	InstrumentCode string `json:"instrument_code"`
	ClientID       string `json:"client_id"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Price          string `json:"price"`
	Amount         string `json:"amount"`
	TimeInForce    string `json:"time_in_force"`
}

// CreateOrder opens an order; its client_id is the correlation id.
type CreateOrder struct {
	Type  string `json:"type"`
	Order Order  `json:"order"`
}

// MessageType implements Outgoing.
func (m *CreateOrder) MessageType() string { return m.Type }

// CancelOrder closes the order opened with the same client_id.
type CancelOrder struct {
	Type           string `json:"type"`
	ClientID       string `json:"client_id"`
	InstrumentCode string `json:"instrument_code"`
}

// MessageType implements Outgoing.
func (m *CancelOrder) MessageType() string { return m.Type }

// OrderParams are the order fields that stay fixed for a whole run.
type OrderParams struct {
	Side        string
	OrderType   string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	TimeInForce string
}

// DefaultOrderParams returns a one-unit GTC limit buy at price 1.
func DefaultOrderParams() OrderParams {
	return OrderParams{
		Side:        SideBuy,
		OrderType:   OrderTypeLimit,
		Price:       decimal.NewFromInt(1),
		Amount:      decimal.NewFromInt(1),
		TimeInForce: GoodTillCancelled,
	}
}

// NewAuthenticate builds an AUTHENTICATE request.
func NewAuthenticate(apiToken string) *Authenticate {
	return &Authenticate{Type: TypeAuthenticate, APIToken: apiToken}
}

// NewSubscribe builds a SUBSCRIBE request for the named channels.
func NewSubscribe(names ...string) *Subscribe {
	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		channels = append(channels, Channel{Name: name})
	}
	return &Subscribe{Type: TypeSubscribe, Channels: channels}
}

// NewCreateOrder builds a CREATE_ORDER request.
func NewCreateOrder(instrumentCode, clientID string, params OrderParams) *CreateOrder {
	return &CreateOrder{
		Type: TypeCreateOrder,
		Order: Order{
			InstrumentCode: instrumentCode,
			ClientID:       clientID,
			Side:           params.Side,
			Type:           params.OrderType,
			Price:          params.Price.String(),
			Amount:         params.Amount.String(),
			TimeInForce:    params.TimeInForce,
		},
	}
}

// NewCancelOrder builds a CANCEL_ORDER request.
func NewCancelOrder(instrumentCode, clientID string) *CancelOrder {
	return &CancelOrder{
		Type:           TypeCancelOrder,
		ClientID:       clientID,
		InstrumentCode: instrumentCode,
	}
}

// NewClientID returns a random UUIDv4 in its canonical 36 character form.
func NewClientID() string {
	return uuid.NewString()
}

// Incoming is the generic envelope of every server message. Fields other than
// these are ignored; ClientID, InstrumentCode and Error are empty when absent.
type Incoming struct {
	Type           string `json:"type"`
	ClientID       string `json:"client_id,omitempty"`
	InstrumentCode string `json:"instrument_code,omitempty"`
	Error          string `json:"error,omitempty"`
}
