package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/pflag"

	"github.com/luxfi/hftbench/pkg/tracker"
)

// latencyReport is the merged summary printed by latency-report.
type latencyReport struct {
	Files     []string            `json:"files"`
	Intervals int                 `json:"intervals"`
	Latency   tracker.Percentiles `json:"latency_ns"`
	Count     int64               `json:"count"`
}

// runLatencyReport merges the histogram logs named on the command line, or
// this host's log under OUTPUT_DIR when none are given.
func runLatencyReport(args []string) error {
	fs := pflag.NewFlagSet("latency-report", pflag.ContinueOnError)
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{filepath.Join(cfg.OutputDir, tracker.HostLabel(cfg.Host), tracker.IntervalLogFile)}
	}

	merged, intervals, err := tracker.MergeIntervalLogFiles(paths...)
	if err != nil {
		logger.Crit("Failed to read histogram logs", "error", err)
		return err
	}
	if merged == nil {
		err := errors.New("no intervals recorded")
		logger.Crit("Nothing to report", "files", paths, "error", err)
		return err
	}

	snap := tracker.Summarize(merged)
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(latencyReport{
		Files:     paths,
		Intervals: intervals,
		Latency:   snap.Latency,
		Count:     snap.Count,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
