// Package bench runs the configured number of exchange sessions
// concurrently and funds their accounts beforehand.
package bench

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luxfi/hftbench/pkg/config"
	"github.com/luxfi/hftbench/pkg/log"
	"github.com/luxfi/hftbench/pkg/metrics"
	"github.com/luxfi/hftbench/pkg/results"
	"github.com/luxfi/hftbench/pkg/session"
	"github.com/luxfi/hftbench/pkg/tracker"
	"github.com/luxfi/hftbench/pkg/transport"
)

// Session end reasons reported to metrics
const (
	reasonAuth      = "authentication"
	reasonTransport = "transport"
	reasonCancelled = "cancelled"
	reasonOther     = "other"
)

// DialFunc opens a session transport.
type DialFunc func(ctx context.Context, opts transport.Options, logger log.Logger) (session.Transport, error)

// Option customizes a Runner.
type Option func(*Runner)

// WithMetrics records session, frame and latency metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithDialer replaces transport.Dial.
func WithDialer(dial DialFunc) Option {
	return func(r *Runner) {
		r.dial = dial
	}
}

// WithHTTPClient replaces the client used to fund accounts.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) {
		r.http = c
	}
}

// Result summarizes a finished run.
type Result struct {
	Sessions int
	Rounds   uint64
	Elapsed  time.Duration
}

// Runner owns the shared pieces of a benchmark run: the TLS settings, the
// interval log and the publisher. Each session gets its own tracker.
type Runner struct {
	cfg       *config.Config
	publisher *results.Publisher
	logger    log.Logger
	metrics   *metrics.Metrics

	tls         *tls.Config
	intervalLog *tracker.IntervalLog
	dial        DialFunc
	http        *http.Client

	rounds atomic.Uint64
}

// NewRunner validates the TLS settings and prepares the interval log under
// cfg.OutputDir.
func NewRunner(cfg *config.Config, publisher *results.Publisher, logger log.Logger, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		dial:      transport.Dial,
	}

	if cfg.UseSSL {
		tlsConfig, err := transport.NewTLSConfig(transport.TLSOptions{
			KeyStorePath:       cfg.KeyStorePath,
			KeyStorePassword:   cfg.KeyStorePassword,
			Ciphers:            cfg.Ciphers,
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.TLSInsecure,
		})
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		r.tls = tlsConfig
	}

	intervalLog, err := tracker.NewIntervalLog(cfg.OutputDir, cfg.Host)
	if err != nil {
		return nil, err
	}
	r.intervalLog = intervalLog

	for _, opt := range opts {
		opt(r)
	}
	if r.http == nil {
		r.http = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: r.tls},
		}
	}
	return r, nil
}

// IntervalLogPath is where the sessions append their histograms.
func (r *Runner) IntervalLogPath() string {
	return r.intervalLog.Path()
}

// Run funds the accounts when configured, then runs every session to
// completion. The first failing session cancels the others.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	clients := r.cfg.ExchangeClientCount

	if r.cfg.FundAccounts {
		if err := r.Fund(ctx); err != nil {
			return Result{}, err
		}
	}

	r.logger.Info("Starting latency test",
		"url", r.cfg.WebSocketURL(),
		"clients", clients,
		"test_size", r.cfg.TestSize,
		"run_id", r.publisher.RunID())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < clients; i++ {
		g.Go(func() error {
			return r.runSession(ctx, i)
		})
	}
	err := g.Wait()

	result := Result{
		Sessions: clients,
		Rounds:   r.rounds.Load(),
		Elapsed:  time.Since(start),
	}
	r.logger.Info("Latency test finished",
		"rounds", result.Rounds,
		"elapsed", result.Elapsed,
		"histogram_log", r.intervalLog.Path())
	return result, err
}

func (r *Runner) runSession(ctx context.Context, i int) error {
	label := fmt.Sprintf("client-%d", i)
	logger := log.ForSession(r.logger, label)

	size := r.cfg.ClientTestSize(i)
	interval := r.cfg.ReportInterval
	if interval == 0 || interval > size {
		interval = size
	}

	opts := []tracker.Option{tracker.WithIntervalLog(r.intervalLog)}
	if r.metrics != nil {
		opts = append(opts, tracker.WithObserver(r.metrics))
	}
	t, err := tracker.New(tracker.Config{
		TestSize:           size,
		ReportInterval:     interval,
		SignificantFigures: r.cfg.SignificantFigures,
		WarmupRounds:       r.cfg.WarmupCount,
	}, logger, opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}

	machine := session.NewMachine(session.MachineConfig{
		APIToken:    r.cfg.ClientToken(i),
		Channel:     r.cfg.Channel,
		Instruments: r.cfg.CoinPairs,
		Order:       r.cfg.OrderParams(),
	}, t, r.publisher.ForSession(label), logger)

	conn, err := r.dial(ctx, transport.Options{
		URL:          r.cfg.WebSocketURL(),
		PingInterval: r.cfg.PingInterval,
		TLS:          r.tls,
	}, logger)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", label, session.ErrTransport, err)
	}

	r.metrics.SessionStarted()
	loopOpts := []session.LoopOption{session.WithPendingTimeout(r.cfg.PendingTimeout)}
	if r.metrics != nil {
		loopOpts = append(loopOpts, session.WithMetrics(r.metrics))
	}
	err = session.NewLoop(conn, machine, logger, loopOpts...).Run(ctx)
	r.metrics.SessionEnded(endReason(err))
	r.rounds.Add(t.Rounds())

	if err != nil {
		logger.Error("Session failed", "rounds", t.Rounds(), "error", err)
		return fmt.Errorf("%s: %w", label, err)
	}
	logger.Info("Session completed", "rounds", t.Rounds(), "responses", t.Responses())
	return nil
}

func endReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrAuthenticationFailed):
		return reasonAuth
	case errors.Is(err, session.ErrTransport):
		return reasonTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return reasonCancelled
	default:
		return reasonOther
	}
}
