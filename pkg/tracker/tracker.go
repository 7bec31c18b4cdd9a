// Package tracker correlates responses with the requests that caused them
// and accumulates round-trip latency in an HdrHistogram.
package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/luxfi/log"
)

// Histogram bounds in nanoseconds: 1ns up to one hour.
const (
	LowestTrackableValue  int64 = 1
	HighestTrackableValue int64 = 3_600_000_000_000

	DefaultSignificantFigures = 3
	MaxSignificantFigures     = 5
)

// Kind identifies which leg of a round trip a correlation id belongs to.
type Kind string

const (
	// Open is the order-create leg, resolved by BOOKED.
	Open Kind = "open"
	// Close is the order-cancel leg, resolved by DONE.
	Close Kind = "close"
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("invalid tracker config")

// Config sizes a Tracker. It is fixed for the life of the tracker.
type Config struct {
	// TestSize is the number of completed rounds after which the run is done.
	TestSize int
	// ReportInterval is the number of completed rounds between snapshots.
	// Zero means TestSize.
	ReportInterval int
	// SignificantFigures is the histogram precision. Zero means the default.
	SignificantFigures int
	// WarmupRounds are measured but not recorded into the histogram.
	WarmupRounds int
}

// Observer receives every measurement as it is taken.
type Observer interface {
	ObserveRoundTrip(kind string, d time.Duration)
	UnknownCorrelation(kind string)
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now. The returned times must carry a monotonic
// reading for real measurements.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithIntervalLog appends every snapshot's histogram to log.
func WithIntervalLog(l *IntervalLog) Option {
	return func(t *Tracker) {
		t.intervalLog = l
	}
}

// WithObserver forwards measurements to o.
func WithObserver(o Observer) Option {
	return func(t *Tracker) {
		t.observer = o
	}
}

// Tracker owns the pending request maps and the latency histogram.
//
// Pending entries are removed only by their matching response or by Expire.
// A request whose response never arrives stays pending for the life of the
// tracker unless an expiry sweep is run.
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	pending   map[Kind]map[string]time.Time
	histogram *hdrhistogram.Histogram

	responses     uint64
	rounds        uint64
	intervalStart time.Time

	now         func() time.Time
	intervalLog *IntervalLog
	observer    Observer
	logger      log.Logger
}

// New creates a tracker for one session.
func New(cfg Config, logger log.Logger, opts ...Option) (*Tracker, error) {
	if cfg.TestSize <= 0 {
		return nil, fmt.Errorf("%w: test size must be positive, got %d", ErrInvalidConfig, cfg.TestSize)
	}
	if cfg.ReportInterval == 0 {
		cfg.ReportInterval = cfg.TestSize
	}
	if cfg.ReportInterval < 0 {
		return nil, fmt.Errorf("%w: report interval must be positive, got %d", ErrInvalidConfig, cfg.ReportInterval)
	}
	if cfg.SignificantFigures == 0 {
		cfg.SignificantFigures = DefaultSignificantFigures
	}
	if cfg.SignificantFigures < 1 || cfg.SignificantFigures > MaxSignificantFigures {
		return nil, fmt.Errorf("%w: significant figures must be in [1, %d], got %d",
			ErrInvalidConfig, MaxSignificantFigures, cfg.SignificantFigures)
	}
	if cfg.WarmupRounds < 0 {
		return nil, fmt.Errorf("%w: warmup rounds must not be negative, got %d", ErrInvalidConfig, cfg.WarmupRounds)
	}

	// Pre-size for the expected number of in-flight requests
	capacity := cfg.TestSize
	if capacity > 1000 {
		capacity = 1000
	}

	t := &Tracker{
		cfg: cfg,
		pending: map[Kind]map[string]time.Time{
			Open:  make(map[string]time.Time, capacity),
			Close: make(map[string]time.Time, capacity),
		},
		histogram: hdrhistogram.New(LowestTrackableValue, HighestTrackableValue, cfg.SignificantFigures),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.intervalStart = t.now()

	return t, nil
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// RecordOpenSent stamps the send time of an order-create request.
func (t *Tracker) RecordOpenSent(id string) {
	t.recordSent(Open, id)
}

// RecordCloseSent stamps the send time of an order-cancel request.
func (t *Tracker) RecordCloseSent(id string) {
	t.recordSent(Close, id)
}

// ResolveOpen matches a BOOKED response. It returns false for an id with no
// pending order-create, leaving the tracker unchanged.
func (t *Tracker) ResolveOpen(id string) (time.Duration, bool) {
	return t.resolve(Open, id)
}

// ResolveClose matches a DONE response and completes a round.
func (t *Tracker) ResolveClose(id string) (time.Duration, bool) {
	return t.resolve(Close, id)
}

// A duplicate id silently replaces the earlier timestamp.
func (t *Tracker) recordSent(kind Kind, id string) {
	t.mu.Lock()
	t.pending[kind][id] = t.now()
	t.mu.Unlock()
}

func (t *Tracker) resolve(kind Kind, id string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sent, ok := t.pending[kind][id]
	if !ok {
		t.logger.Warn("Response for unknown client_id", "kind", string(kind), "client_id", id)
		if t.observer != nil {
			t.observer.UnknownCorrelation(string(kind))
		}
		return 0, false
	}
	delete(t.pending[kind], id)

	rtt := t.now().Sub(sent)
	if rtt < 0 {
		rtt = 0
	}

	if t.rounds >= uint64(t.cfg.WarmupRounds) {
		t.recordLatency(rtt)
	}
	if t.observer != nil {
		t.observer.ObserveRoundTrip(string(kind), rtt)
	}

	t.responses++
	if kind == Close {
		t.rounds++
	}

	return rtt, true
}

// recordLatency clamps into the histogram bounds; a failed record drops the
// sample and keeps the run going.
func (t *Tracker) recordLatency(rtt time.Duration) {
	value := clamp(int64(rtt))
	if err := t.histogram.RecordValue(value); err != nil {
		t.logger.Warn("Failed to record latency", "ns", int64(rtt), "error", err)
	}
}

func clamp(ns int64) int64 {
	if ns < LowestTrackableValue {
		return LowestTrackableValue
	}
	if ns > HighestTrackableValue {
		return HighestTrackableValue
	}
	return ns
}

// ShouldReport reports whether the completed round count is a positive
// multiple of the report interval.
func (t *Tracker) ShouldReport() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rounds > 0 && t.rounds%uint64(t.cfg.ReportInterval) == 0
}

// IsComplete reports whether the configured test size has been reached.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rounds >= uint64(t.cfg.TestSize)
}

// SnapshotAndReset summarizes the current interval, appends it to the
// interval log, and starts a new interval with an empty histogram.
func (t *Tracker) SnapshotAndReset() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.now()
	snap := Summarize(t.histogram)
	snap.Start = t.intervalStart
	snap.End = end
	snap.Interval = end.Sub(t.intervalStart)

	if t.intervalLog != nil {
		if err := t.intervalLog.Write(t.histogram, t.intervalStart, end); err != nil {
			t.logger.Error("Failed to write histogram interval", "path", t.intervalLog.Path(), "error", err)
		} else {
			t.logger.Debug("Histogram saved", "path", t.intervalLog.Path())
		}
	}

	t.histogram.Reset()
	t.intervalStart = end

	return snap
}

// Current summarizes the live histogram without resetting it.
func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.now()
	snap := Summarize(t.histogram)
	snap.Start = t.intervalStart
	snap.End = end
	snap.Interval = end.Sub(t.intervalStart)
	return snap
}

// Expire drops pending requests sent more than maxAge ago and returns how
// many were dropped.
func (t *Tracker) Expire(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	dropped := 0
	for kind, pending := range t.pending {
		for id, sent := range pending {
			if now.Sub(sent) > maxAge {
				delete(pending, id)
				dropped++
				t.logger.Debug("Expired pending request", "kind", string(kind), "client_id", id)
			}
		}
	}
	return dropped
}

// HasPending reports whether id is awaiting a response of the given kind.
func (t *Tracker) HasPending(kind Kind, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[kind][id]
	return ok
}

// Pending returns the number of requests of the given kind awaiting a response.
func (t *Tracker) Pending(kind Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[kind])
}

// Responses returns the number of resolved responses of either kind.
func (t *Tracker) Responses() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responses
}

// Rounds returns the number of resolved order-cancel responses.
func (t *Tracker) Rounds() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rounds
}
