package results

import "fmt"

// KeyValueWriter is satisfied by luxfi/database databases.
type KeyValueWriter interface {
	Put(key, value []byte) error
}

// Ledger stores every record in a key/value database under
// snapshot:<run id>:<session>:<sequence>. The database is owned by the caller.
type Ledger struct {
	db KeyValueWriter
}

// NewLedger creates a ledger on db.
func NewLedger(db KeyValueWriter) *Ledger {
	return &Ledger{db: db}
}

// Key returns the storage key of rec. Sequences are zero padded so keys sort
// in publication order within a run.
func Key(rec Record) string {
	return fmt.Sprintf("snapshot:%s:%s:%020d", rec.RunID, rec.Session, rec.Sequence)
}

// Name implements Sink.
func (l *Ledger) Name() string { return "ledger" }

// Write implements Sink.
func (l *Ledger) Write(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := l.db.Put([]byte(Key(rec)), value); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Close implements Sink.
func (l *Ledger) Close() error { return nil }
