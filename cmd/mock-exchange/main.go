package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/luxfi/hftbench/pkg/exchange"
	"github.com/luxfi/hftbench/pkg/log"
)

func main() {
	cfg := exchange.DefaultConfig()

	addr := pflag.String("addr", ":8888", "Listen address for WebSocket and HTTP")
	logLevel := pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pflag.DurationVar(&cfg.PingPeriod, "ping-period", cfg.PingPeriod, "Server ping period (0 disables)")
	pflag.BoolVar(&cfg.OmitInstrument, "omit-instrument", false, "Leave instrument_code out of BOOKED and DONE")
	reject := pflag.String("reject-tokens", "", "Comma separated API tokens to reject")
	pflag.Parse()

	if *reject != "" {
		cfg.RejectTokens = strings.Split(*reject, ",")
	}
	if cfg.PingPeriod > 0 && cfg.PingPeriod >= cfg.PongTimeout {
		cfg.PongTimeout = cfg.PingPeriod + 10*time.Second
	}

	logger := log.NewLogger(*logLevel)
	server := exchange.NewServer(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, *addr); err != nil {
		logger.Crit("Mock exchange failed", "error", err)
		os.Exit(1)
	}

	stats := server.Stats()
	logger.Info("Mock exchange stopped",
		"orders_booked", stats.OrdersBooked,
		"orders_done", stats.OrdersDone,
		"accounts", len(server.Accounts()))
}
