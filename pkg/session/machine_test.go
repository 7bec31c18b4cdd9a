package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/hftbench/pkg/protocol"
	"github.com/luxfi/hftbench/pkg/tracker"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

// sequentialIDs yields id-1, id-2, ...
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type snapshotRecorder struct {
	snapshots []tracker.Snapshot
}

func (r *snapshotRecorder) Report(s tracker.Snapshot) {
	r.snapshots = append(r.snapshots, s)
}

func newTestMachine(t *testing.T, trackerCfg tracker.Config, instruments []string, reporter Reporter) *Machine {
	t.Helper()
	tr, err := tracker.New(trackerCfg, testLogger())
	require.NoError(t, err)
	cfg := MachineConfig{
		APIToken:    "3001",
		Channel:     protocol.DefaultChannel,
		Instruments: instruments,
		Order:       protocol.DefaultOrderParams(),
	}
	return NewMachine(cfg, tr, reporter, testLogger(), WithIDGenerator(sequentialIDs()))
}

// startTesting drives a fresh machine into Testing and returns the first order.
func startTesting(t *testing.T, m *Machine) *protocol.CreateOrder {
	t.Helper()
	_, err := m.Start()
	require.NoError(t, err)
	_, err = m.Handle(protocol.Incoming{Type: protocol.TypeAuthenticated})
	require.NoError(t, err)
	out, err := m.Handle(protocol.Incoming{Type: protocol.TypeSubscriptions})
	require.NoError(t, err)
	require.Equal(t, Testing, m.State())
	return requireCreate(t, out)
}

func requireCreate(t *testing.T, out *Outbound) *protocol.CreateOrder {
	t.Helper()
	require.NotNil(t, out)
	order, ok := out.Message.(*protocol.CreateOrder)
	require.True(t, ok, "expected CREATE_ORDER, got %T", out.Message)
	return order
}

func requireCancel(t *testing.T, out *Outbound) *protocol.CancelOrder {
	t.Helper()
	require.NotNil(t, out)
	cancel, ok := out.Message.(*protocol.CancelOrder)
	require.True(t, ok, "expected CANCEL_ORDER, got %T", out.Message)
	return cancel
}

func TestMachine_Start(t *testing.T) {
	m := newTestMachine(t, tracker.Config{TestSize: 10}, nil, nil)
	assert.Equal(t, Connecting, m.State())

	out, err := m.Start()
	require.NoError(t, err)
	auth, ok := out.Message.(*protocol.Authenticate)
	require.True(t, ok)
	assert.Equal(t, "3001", auth.APIToken)
	assert.Equal(t, Authenticating, m.State())

	_, err = m.Start()
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestMachine_HappyPath(t *testing.T) {
	m := newTestMachine(t, tracker.Config{TestSize: 10}, []string{"BTC_EUR"}, nil)

	_, err := m.Start()
	require.NoError(t, err)

	out, err := m.Handle(protocol.Incoming{Type: protocol.TypeAuthenticated})
	require.NoError(t, err)
	sub, ok := out.Message.(*protocol.Subscribe)
	require.True(t, ok)
	assert.Equal(t, []protocol.Channel{{Name: "ORDERS"}}, sub.Channels)
	assert.Equal(t, Subscribing, m.State())

	out, err = m.Handle(protocol.Incoming{Type: protocol.TypeSubscriptions})
	require.NoError(t, err)
	order := requireCreate(t, out)
	id := order.Order.ClientID
	assert.Equal(t, "id-1", id)
	assert.Equal(t, "BTC_EUR", order.Order.InstrumentCode)
	assert.True(t, m.Tracker().HasPending(tracker.Open, id))

	out, err = m.Handle(protocol.Incoming{Type: protocol.TypeBooked, ClientID: id, InstrumentCode: "BTC_EUR"})
	require.NoError(t, err)
	cancel := requireCancel(t, out)
	assert.Equal(t, id, cancel.ClientID)
	assert.Equal(t, "BTC_EUR", cancel.InstrumentCode)
	assert.False(t, m.Tracker().HasPending(tracker.Open, id))
	assert.True(t, m.Tracker().HasPending(tracker.Close, id))

	out, err = m.Handle(protocol.Incoming{Type: protocol.TypeDone, ClientID: id})
	require.NoError(t, err)
	next := requireCreate(t, out)
	assert.Equal(t, "id-2", next.Order.ClientID)
	assert.False(t, out.Close)
	assert.Equal(t, Testing, m.State())
	assert.Equal(t, uint64(1), m.Tracker().Rounds())
}

func TestMachine_CompletesAtTestSize(t *testing.T) {
	reporter := &snapshotRecorder{}
	m := newTestMachine(t, tracker.Config{TestSize: 1}, nil, reporter)
	order := startTesting(t, m)
	id := order.Order.ClientID

	_, err := m.Handle(protocol.Incoming{Type: protocol.TypeBooked, ClientID: id})
	require.NoError(t, err)

	out, err := m.Handle(protocol.Incoming{Type: protocol.TypeDone, ClientID: id})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Close)
	assert.Nil(t, out.Message)
	assert.Equal(t, Closed, m.State())

	require.Len(t, reporter.snapshots, 1)
	assert.Equal(t, int64(2), reporter.snapshots[0].Count)
}

func TestMachine_ReportCadence(t *testing.T) {
	reporter := &snapshotRecorder{}
	m := newTestMachine(t, tracker.Config{TestSize: 6, ReportInterval: 2}, nil, reporter)
	order := startTesting(t, m)

	for round := 1; round <= 6; round++ {
		id := order.Order.ClientID
		_, err := m.Handle(protocol.Incoming{Type: protocol.TypeBooked, ClientID: id})
		require.NoError(t, err)
		out, err := m.Handle(protocol.Incoming{Type: protocol.TypeDone, ClientID: id})
		require.NoError(t, err)

		assert.Len(t, reporter.snapshots, round/2, "after round %d", round)
		if round < 6 {
			order = requireCreate(t, out)
		}
	}
	assert.Equal(t, Closed, m.State())
	for _, snap := range reporter.snapshots {
		assert.Equal(t, int64(4), snap.Count, "two rounds of two legs each")
	}
}

func TestMachine_RotatesInstruments(t *testing.T) {
	m := newTestMachine(t, tracker.Config{TestSize: 100}, []string{"A", "B", "C", "D"}, nil)
	order := startTesting(t, m)

	var selected []string
	for i := 0; i < 5; i++ {
		selected = append(selected, order.Order.InstrumentCode)
		id := order.Order.ClientID
		_, err := m.Handle(protocol.Incoming{Type: protocol.TypeBooked, ClientID: id})
		require.NoError(t, err)
		out, err := m.Handle(protocol.Incoming{Type: protocol.TypeDone, ClientID: id})
		require.NoError(t, err)
		order = requireCreate(t, out)
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "A"}, selected)
}

func TestMachine_CancelInstrument(t *testing.T) {
	t.Run("echoed by server", func(t *testing.T) {
		m := newTestMachine(t, tracker.Config{TestSize: 10}, []string{"A", "B"}, nil)
		order := startTesting(t, m)

		out, err := m.Handle(protocol.Incoming{Type: protocol.TypeBooked, ClientID: order.Order.ClientID, InstrumentCode: "ETH_EUR"})
		require.NoError(t, err)
		assert.Equal(t, "ETH_EUR", requireCancel(t, out).InstrumentCode)
	})

	t.Run("absent falls back to the order's instrument", func(t *testing.T) {
		m := newTestMachine(t, tracker.Config{TestSize: 10}, []string{"A", "B"}, nil)
		order := startTesting(t, m)
		require.Equal(t, "A", order.Order.InstrumentCode)

		out, err := m.Handle(protocol.Incoming{Type: protocol.TypeBooked, ClientID: order.Order.ClientID})
		require.NoError(t, err)
		assert.Equal(t, "A", requireCancel(t, out).InstrumentCode)
	})
}

func TestMachine_UnknownCorrelationID(t *testing.T) {
	m := newTestMachine(t, tracker.Config{TestSize: 10}, nil, nil)
	order := startTesting(t, m)

	out, err := m.Handle(protocol.Incoming{Type: protocol.TypeBooked, ClientID: "never-seen"})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, Testing, m.State())
	assert.True(t, m.Tracker().HasPending(tracker.Open, order.Order.ClientID))

	out, err = m.Handle(protocol.Incoming{Type: protocol.TypeDone, ClientID: "never-seen"})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, Testing, m.State())
	assert.Equal(t, uint64(0), m.Tracker().Rounds())

	out, err = m.Handle(protocol.Incoming{Type: protocol.TypeBooked})
	require.NoError(t, err)
	assert.Nil(t, out, "missing client_id is ignored")
}

func TestMachine_ErrorAsymmetry(t *testing.T) {
	t.Run("during authentication", func(t *testing.T) {
		m := newTestMachine(t, tracker.Config{TestSize: 10}, nil, nil)
		_, err := m.Start()
		require.NoError(t, err)

		out, err := m.Handle(protocol.Incoming{Type: protocol.TypeError, Error: "INVALID_API_TOKEN"})
		assert.Nil(t, out)
		assert.True(t, errors.Is(err, ErrAuthenticationFailed))
		assert.Equal(t, Closed, m.State())
	})

	t.Run("during testing", func(t *testing.T) {
		m := newTestMachine(t, tracker.Config{TestSize: 10}, nil, nil)
		startTesting(t, m)

		out, err := m.Handle(protocol.Incoming{Type: protocol.TypeError, Error: "INSUFFICIENT_FUNDS"})
		assert.NoError(t, err)
		assert.Nil(t, out)
		assert.Equal(t, Testing, m.State())
	})
}

func TestMachine_IgnoresUnexpectedMessages(t *testing.T) {
	m := newTestMachine(t, tracker.Config{TestSize: 10}, nil, nil)
	_, err := m.Start()
	require.NoError(t, err)

	for _, typ := range []string{protocol.TypeSubscriptions, protocol.TypeBooked, protocol.TypeDone, "HEARTBEAT"} {
		out, err := m.Handle(protocol.Incoming{Type: typ, ClientID: "x"})
		require.NoError(t, err, typ)
		assert.Nil(t, out, typ)
		assert.Equal(t, Authenticating, m.State(), typ)
	}

	startMachine := newTestMachine(t, tracker.Config{TestSize: 10}, nil, nil)
	startTesting(t, startMachine)
	out, err := startMachine.Handle(protocol.Incoming{Type: protocol.TypeAuthenticated})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, Testing, startMachine.State())
}

func TestMachine_TransportClosed(t *testing.T) {
	m := newTestMachine(t, tracker.Config{TestSize: 10}, nil, nil)
	startTesting(t, m)
	m.TransportClosed()
	assert.Equal(t, Closed, m.State())
}

func TestMachine_Defaults(t *testing.T) {
	tr, err := tracker.New(tracker.Config{TestSize: 1}, testLogger())
	require.NoError(t, err)
	m := NewMachine(MachineConfig{APIToken: "1"}, tr, nil, testLogger())

	order := startTesting(t, m)
	assert.Equal(t, protocol.DefaultInstrument, order.Order.InstrumentCode)
	assert.Len(t, order.Order.ClientID, protocol.ClientIDTextLength)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "testing", Testing.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(42).String())
}
