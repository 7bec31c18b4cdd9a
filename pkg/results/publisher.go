// Package results publishes interval snapshots: to stdout in the JSON block
// shared with the other latency clients, to the log, and to optional sinks.
package results

import (
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/luxfi/log"
	"github.com/oklog/ulid/v2"

	"github.com/luxfi/hftbench/pkg/session"
	"github.com/luxfi/hftbench/pkg/tracker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one published interval.
type Record struct {
	RunID      string           `json:"run_id"`
	Session    string           `json:"session"`
	Host       string           `json:"host"`
	Sequence   uint64           `json:"sequence"`
	Snapshot   tracker.Snapshot `json:"snapshot"`
	Throughput float64          `json:"throughput_per_sec"`
	Published  time.Time        `json:"published"`
}

// Sink receives every record. Write errors are logged by the Publisher and
// never stop the run.
type Sink interface {
	Name() string
	Write(Record) error
	Close() error
}

// SnapshotCounter counts published snapshots.
type SnapshotCounter interface {
	SnapshotTaken()
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(p *Publisher) {
		p.sinks = append(p.sinks, s)
	}
}

// WithRunID replaces the generated run id.
func WithRunID(id string) Option {
	return func(p *Publisher) {
		p.runID = id
	}
}

// WithCounter counts every published snapshot.
func WithCounter(c SnapshotCounter) Option {
	return func(p *Publisher) {
		p.counter = c
	}
}

// Publisher serializes snapshot output across sessions.
type Publisher struct {
	mu       sync.Mutex
	runID    string
	host     string
	out      io.Writer
	sinks    []Sink
	counter  SnapshotCounter
	sequence uint64
	logger   log.Logger
}

// NewPublisher creates a publisher writing stats blocks to out. The run id
// defaults to a fresh ULID.
func NewPublisher(host string, out io.Writer, logger log.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		runID:  ulid.Make().String(),
		host:   host,
		out:    out,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunID identifies this benchmark run in every record.
func (p *Publisher) RunID() string {
	return p.runID
}

// ForSession returns a reporter that tags snapshots with the session label.
func (p *Publisher) ForSession(label string) session.Reporter {
	return session.ReporterFunc(func(s tracker.Snapshot) {
		p.Publish(label, s)
	})
}

// statsBlock is the console format of one interval.
type statsBlock struct {
	Latency tracker.Percentiles `json:"latency_ns"`
	Count   int64               `json:"count"`
}

// Publish writes one snapshot everywhere.
func (p *Publisher) Publish(label string, s tracker.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sequence++
	rec := Record{
		RunID:      p.runID,
		Session:    label,
		Host:       p.host,
		Sequence:   p.sequence,
		Snapshot:   s,
		Throughput: s.Throughput(),
		Published:  time.Now().UTC(),
	}

	if p.out != nil {
		block, err := json.MarshalIndent(statsBlock{Latency: s.Latency, Count: s.Count}, "", "  ")
		if err != nil {
			p.logger.Error("Failed to encode stats", "error", err)
		} else if _, err := fmt.Fprintf(p.out, "%s\n", block); err != nil {
			p.logger.Warn("Failed to write stats", "error", err)
		}
	}

	p.logger.Info("Latency stats (ns)",
		"session", label,
		"p50", s.Latency.P50,
		"p90", s.Latency.P90,
		"p95", s.Latency.P95,
		"p99", s.Latency.P99,
		"p99.9", s.Latency.P999,
		"p99.99", s.Latency.P9999,
		"max", s.Latency.Max,
		"count", s.Count,
		"interval", s.Interval,
	)

	for _, sink := range p.sinks {
		if err := sink.Write(rec); err != nil {
			p.logger.Warn("Failed to publish snapshot", "sink", sink.Name(), "error", err)
		}
	}
	if p.counter != nil {
		p.counter.SnapshotTaken()
	}
}

// Published returns the number of snapshots published so far.
func (p *Publisher) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// Close closes every sink and returns the first error.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var first error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s sink: %w", sink.Name(), err)
		}
	}
	p.sinks = nil
	return first
}
