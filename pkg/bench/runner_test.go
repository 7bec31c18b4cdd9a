package bench

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/hftbench/pkg/config"
	"github.com/luxfi/hftbench/pkg/exchange"
	"github.com/luxfi/hftbench/pkg/metrics"
	"github.com/luxfi/hftbench/pkg/results"
	"github.com/luxfi/hftbench/pkg/session"
	"github.com/luxfi/hftbench/pkg/tracker"
	"github.com/luxfi/hftbench/pkg/transport"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

func startExchange(t *testing.T, cfg exchange.Config, secure bool) (*exchange.Server, *httptest.Server) {
	t.Helper()
	s := exchange.NewServer(cfg, testLogger())
	s.Run()
	var ts *httptest.Server
	if secure {
		ts = httptest.NewTLSServer(s.Handler())
	} else {
		ts = httptest.NewServer(s.Handler())
	}
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, ts
}

// benchConfig points the defaults at ts.
func benchConfig(t *testing.T, ts *httptest.Server) *config.Config {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portText, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Host = host
	cfg.HTTPPort = port
	cfg.WebSocketPort = port
	cfg.CoinPairs = []string{"BTC_EUR", "ETH_EUR"}
	cfg.TestSize = 6
	cfg.ReportInterval = 3
	cfg.ExchangeClientCount = 2
	cfg.PingInterval = 0
	cfg.OutputDir = t.TempDir()
	return cfg
}

func TestRunner_Run(t *testing.T) {
	ex, ts := startExchange(t, exchange.DefaultConfig(), false)
	cfg := benchConfig(t, ts)
	cfg.FundAccounts = true

	m := metrics.New("bench_test", testLogger())
	var out bytes.Buffer
	publisher := results.NewPublisher(cfg.Host, &out, testLogger(), results.WithCounter(m))

	runner, err := NewRunner(cfg, publisher, testLogger(), WithMetrics(m))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Sessions)
	assert.Equal(t, uint64(6), result.Rounds)

	// Funding
	assert.Equal(t, []string{"3001", "3002"}, ex.Accounts())
	for _, currency := range []string{"BTC", "EUR", "ETH"} {
		assert.True(t, decimal.NewFromInt(100000000).Equal(ex.Balance("3002", currency)), currency)
	}

	// Every session reports once: 3 rounds each at an interval of 3
	assert.Equal(t, uint64(2), publisher.Published())
	assert.Equal(t, 2, strings.Count(out.String(), `"latency_ns"`))

	h, intervals, err := tracker.ReadIntervalLogFile(runner.IntervalLogPath())
	require.NoError(t, err)
	assert.Equal(t, 2, intervals)
	assert.Equal(t, int64(12), h.TotalCount(), "both legs of every round are recorded")

	stats := ex.Stats()
	assert.Equal(t, uint64(6), stats.OrdersBooked)
	assert.Equal(t, uint64(6), stats.OrdersDone)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var samples uint64
	for _, family := range families {
		if family.GetName() != "bench_test_round_trip_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			samples += metric.GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(12), samples)
}

func TestRunner_Secure(t *testing.T) {
	ex, ts := startExchange(t, exchange.DefaultConfig(), true)
	cfg := benchConfig(t, ts)
	cfg.UseSSL = true
	cfg.TLSInsecure = true
	cfg.FundAccounts = true
	cfg.ExchangeClientCount = 1
	cfg.ReportInterval = 0

	var out bytes.Buffer
	runner, err := NewRunner(cfg, results.NewPublisher(cfg.Host, &out, testLogger()), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), result.Rounds)
	assert.True(t, ex.Balance("3001", "BTC").IsPositive())
	assert.Equal(t, 1, strings.Count(out.String(), `"latency_ns"`))
}

func TestRunner_AuthenticationRejected(t *testing.T) {
	exCfg := exchange.DefaultConfig()
	exCfg.RejectTokens = []string{"3002"}
	_, ts := startExchange(t, exCfg, false)
	cfg := benchConfig(t, ts)
	cfg.TestSize = 1000

	var out bytes.Buffer
	runner, err := NewRunner(cfg, results.NewPublisher(cfg.Host, &out, testLogger()), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = runner.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrAuthenticationFailed), err.Error())
	assert.Contains(t, err.Error(), "client-1")
}

func TestRunner_DialFailure(t *testing.T) {
	_, ts := startExchange(t, exchange.DefaultConfig(), false)
	cfg := benchConfig(t, ts)

	dial := func(context.Context, transport.Options, log.Logger) (session.Transport, error) {
		return nil, errors.New("connection refused")
	}
	runner, err := NewRunner(cfg, results.NewPublisher(cfg.Host, &bytes.Buffer{}, testLogger()), testLogger(), WithDialer(dial))
	require.NoError(t, err)

	_, err = runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrTransport))
}

func TestRunner_FundFailure(t *testing.T) {
	_, ts := startExchange(t, exchange.DefaultConfig(), false)
	cfg := benchConfig(t, ts)
	cfg.FundAccounts = true
	cfg.FundAmount = decimal.NewFromInt(-5)

	runner, err := NewRunner(cfg, results.NewPublisher(cfg.Host, &bytes.Buffer{}, testLogger()), testLogger())
	require.NoError(t, err)

	_, err = runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNewRunner_BadCipher(t *testing.T) {
	cfg := config.Default()
	cfg.UseSSL = true
	cfg.Ciphers = []string{"ROT13"}
	cfg.OutputDir = t.TempDir()

	_, err := NewRunner(cfg, results.NewPublisher(cfg.Host, &bytes.Buffer{}, testLogger()), testLogger())
	assert.ErrorIs(t, err, transport.ErrUnknownCipher)
}

func TestEndReason(t *testing.T) {
	assert.Equal(t, "", endReason(nil))
	assert.Equal(t, reasonAuth, endReason(session.ErrAuthenticationFailed))
	assert.Equal(t, reasonTransport, endReason(session.ErrTransport))
	assert.Equal(t, reasonCancelled, endReason(context.Canceled))
	assert.Equal(t, reasonOther, endReason(errors.New("boom")))
}
