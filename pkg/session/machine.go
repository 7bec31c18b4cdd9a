// Package session drives one exchange connection through authentication,
// subscription and the create/cancel latency cycle.
package session

import (
	"github.com/luxfi/log"

	"github.com/luxfi/hftbench/pkg/protocol"
	"github.com/luxfi/hftbench/pkg/tracker"
)

// Reporter receives interval snapshots.
type Reporter interface {
	Report(tracker.Snapshot)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(tracker.Snapshot)

// Report implements Reporter.
func (f ReporterFunc) Report(s tracker.Snapshot) { f(s) }

// Outbound is what the machine wants written after a step: a message, a
// request to close the connection, or both.
type Outbound struct {
	Message protocol.Outgoing
	Close   bool
}

// MachineConfig holds the fixed per-session protocol settings.
type MachineConfig struct {
	APIToken    string
	Channel     string
	Instruments []string
	Order       protocol.OrderParams
}

// MachineOption customizes a Machine.
type MachineOption func(*Machine)

// WithIDGenerator replaces the UUIDv4 correlation id source.
func WithIDGenerator(newID func() string) MachineOption {
	return func(m *Machine) {
		m.newID = newID
	}
}

// Machine is the session state machine. It owns the session state and the
// instrument rotation; the tracker it drives is not shared with other
// sessions. It performs no I/O and is not safe for concurrent use.
type Machine struct {
	cfg      MachineConfig
	state    State
	tracker  *tracker.Tracker
	reporter Reporter
	logger   log.Logger

	next           int
	lastInstrument string
	newID          func() string
}

// NewMachine creates a machine in the Connecting state. An empty instrument
// list falls back to protocol.DefaultInstrument.
func NewMachine(cfg MachineConfig, t *tracker.Tracker, reporter Reporter, logger log.Logger, opts ...MachineOption) *Machine {
	if len(cfg.Instruments) == 0 {
		cfg.Instruments = []string{protocol.DefaultInstrument}
	}
	if cfg.Channel == "" {
		cfg.Channel = protocol.DefaultChannel
	}
	if reporter == nil {
		reporter = ReporterFunc(func(tracker.Snapshot) {})
	}
	m := &Machine{
		cfg:      cfg,
		state:    Connecting,
		tracker:  t,
		reporter: reporter,
		logger:   logger,
		newID:    protocol.NewClientID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Tracker returns the tracker the machine records into.
func (m *Machine) Tracker() *tracker.Tracker {
	return m.tracker
}

// Start is called once the connection is open. It emits AUTHENTICATE.
func (m *Machine) Start() (*Outbound, error) {
	if m.state != Connecting {
		return nil, ErrAlreadyStarted
	}
	m.state = Authenticating
	return &Outbound{Message: protocol.NewAuthenticate(m.cfg.APIToken)}, nil
}

// Handle advances the machine with one server message. It returns the
// response to write, or nil when nothing is to be sent. The only error is
// ErrAuthenticationFailed.
func (m *Machine) Handle(msg protocol.Incoming) (*Outbound, error) {
	switch msg.Type {
	case protocol.TypeAuthenticated:
		if !m.expect(Authenticating, msg) {
			return nil, nil
		}
		m.logger.Info("Authentication successful")
		m.state = Subscribing
		return &Outbound{Message: protocol.NewSubscribe(m.cfg.Channel)}, nil

	case protocol.TypeSubscriptions:
		if !m.expect(Subscribing, msg) {
			return nil, nil
		}
		m.logger.Info("Subscription successful, starting test loop")
		m.state = Testing
		return m.nextOrder(), nil

	case protocol.TypeBooked:
		if !m.expect(Testing, msg) {
			return nil, nil
		}
		return m.booked(msg), nil

	case protocol.TypeDone:
		if !m.expect(Testing, msg) {
			return nil, nil
		}
		return m.done(msg), nil

	case protocol.TypeError:
		if m.state == Authenticating {
			m.logger.Error("Authentication rejected", "error", msg.Error)
			m.state = Closed
			return nil, ErrAuthenticationFailed
		}
		m.logger.Error("Received error from server", "state", m.state.String(), "error", msg.Error, "client_id", msg.ClientID)
		return nil, nil

	default:
		m.logger.Debug("Ignoring unknown message type", "type", msg.Type)
		return nil, nil
	}
}

// TransportClosed records that the connection is gone.
func (m *Machine) TransportClosed() {
	m.state = Closed
}

func (m *Machine) expect(state State, msg protocol.Incoming) bool {
	if m.state == state {
		return true
	}
	m.logger.Warn("Ignoring message in unexpected state", "type", msg.Type, "state", m.state.String())
	return false
}

func (m *Machine) booked(msg protocol.Incoming) *Outbound {
	if msg.ClientID == "" {
		m.logger.Warn("BOOKED without client_id")
		return nil
	}
	rtt, ok := m.tracker.ResolveOpen(msg.ClientID)
	if !ok {
		return nil
	}
	m.logger.Debug("Order RTT", "ns", rtt.Nanoseconds(), "client_id", msg.ClientID)

	instrument := msg.InstrumentCode
	if instrument == "" {
		instrument = m.lastInstrument
	}
	m.tracker.RecordCloseSent(msg.ClientID)
	return &Outbound{Message: protocol.NewCancelOrder(instrument, msg.ClientID)}
}

func (m *Machine) done(msg protocol.Incoming) *Outbound {
	if msg.ClientID == "" {
		m.logger.Warn("DONE without client_id")
		return nil
	}
	rtt, ok := m.tracker.ResolveClose(msg.ClientID)
	if !ok {
		return nil
	}
	m.logger.Debug("Cancel RTT", "ns", rtt.Nanoseconds(), "client_id", msg.ClientID)

	if m.tracker.ShouldReport() {
		m.reporter.Report(m.tracker.SnapshotAndReset())
	}

	if m.tracker.IsComplete() {
		m.logger.Info("Test completed, closing connection", "rounds", m.tracker.Rounds())
		m.state = Closed
		return &Outbound{Close: true}
	}
	return m.nextOrder()
}

// nextOrder issues CREATE_ORDER for the current instrument and advances the
// rotation for the following order.
func (m *Machine) nextOrder() *Outbound {
	id := m.newID()
	instrument := m.cfg.Instruments[m.next]
	m.next = (m.next + 1) % len(m.cfg.Instruments)
	m.lastInstrument = instrument

	m.tracker.RecordOpenSent(id)
	return &Outbound{Message: protocol.NewCreateOrder(instrument, id, m.cfg.Order)}
}
