package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/luxfi/hftbench/pkg/bench"
	"github.com/luxfi/hftbench/pkg/config"
	"github.com/luxfi/hftbench/pkg/log"
	"github.com/luxfi/hftbench/pkg/metrics"
	"github.com/luxfi/hftbench/pkg/results"
)

const usage = `hftbench measures order create/cancel round-trip latency against an exchange.

Usage:
  hftbench [command] [flags]

Commands:
  latency-test     run the benchmark (default)
  latency-report   merge histogram logs and print the percentiles
  help             show this message

Run "hftbench <command> --help" for the flags of a command.
`

func main() {
	command := "latency-test"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "latency-test":
		err = runLatencyTest(args)
	case "latency-report":
		err = runLatencyReport(args)
	case "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig parses the command flags and loads the properties file.
func loadConfig(fs *pflag.FlagSet, args []string) (*config.Config, log.Logger, error) {
	configPath := fs.String("config", "", "Properties file (default: search "+strings.Join(config.SearchPaths, ", ")+")")
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	bootLogger := log.NewLogger(log.DefaultLevel)
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath, fs)
	} else {
		cfg, err = config.LoadOrDefault(bootLogger, fs)
	}
	if err != nil {
		bootLogger.Crit("Failed to load configuration", "error", err)
		return nil, nil, err
	}

	logger := log.NewLogger(cfg.LogLevel)
	cfg.Log(logger)
	return cfg, logger, nil
}

func runLatencyTest(args []string) error {
	fs := pflag.NewFlagSet("latency-test", pflag.ContinueOnError)
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	logger.Info("HFT latency client",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"url", cfg.WebSocketURL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(metrics.DefaultNamespace, log.ForModule(logger, "metrics"))
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	opts := []results.Option{results.WithCounter(m)}
	if cfg.NATSURL != "" {
		sink, err := results.DialNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Crit("Failed to connect to NATS", "url", cfg.NATSURL, "error", err)
			return err
		}
		logger.Info("Publishing snapshots to NATS", "url", cfg.NATSURL, "subject", cfg.NATSSubject)
		opts = append(opts, results.WithSink(sink))
	}
	if cfg.ResultsDBDir != "" {
		db, err := openResultsDB(cfg.ResultsDBDir, logger)
		if err != nil {
			logger.Crit("Failed to open results database", "path", cfg.ResultsDBDir, "error", err)
			return err
		}
		defer db.Close()
		opts = append(opts, results.WithSink(results.NewLedger(db)))
	}

	publisher := results.NewPublisher(cfg.Host, os.Stdout, log.ForModule(logger, "results"), opts...)
	defer publisher.Close()

	runner, err := bench.NewRunner(cfg, publisher, logger, bench.WithMetrics(m))
	if err != nil {
		logger.Crit("Failed to create runner", "error", err)
		return err
	}

	result, err := runner.Run(ctx)
	if err != nil {
		logger.Crit("Latency test failed", "rounds", result.Rounds, "error", err)
		return err
	}

	logger.Info("Latency test completed",
		"run_id", publisher.RunID(),
		"sessions", result.Sessions,
		"rounds", result.Rounds,
		"elapsed", result.Elapsed,
		"snapshots", publisher.Published(),
		"histogram_log", filepath.Clean(runner.IntervalLogPath()))
	return nil
}
