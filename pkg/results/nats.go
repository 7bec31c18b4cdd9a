package results

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is where snapshots are published unless configured.
const DefaultSubject = "hftbench.snapshots"

// NATSConn is the part of *nats.Conn the sink uses.
type NATSConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSink publishes each record as JSON to a NATS subject.
type NATSSink struct {
	conn    NATSConn
	subject string
}

// DialNATS connects to url and returns a sink for subject.
func DialNATS(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("hftbench"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	return NewNATSSink(nc, subject), nil
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(conn NATSConn, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{conn: conn, subject: subject}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Write implements Sink.
func (s *NATSSink) Write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, data)
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
