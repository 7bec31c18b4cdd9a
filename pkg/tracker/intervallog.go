package tracker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Interval log naming
const (
	IntervalLogFile = "histogram_go.hlog"
	IntervalLogTag  = "go"
	intervalComment = "[Logged with Go HFT Client 0.0.1]"
)

// IntervalLog appends interval histograms to an HdrHistogram log file
// (format 1.3, V2 compressed). It is safe for concurrent use by the trackers
// of several sessions.
type IntervalLog struct {
	mu   sync.Mutex
	path string
}

// HostLabel turns a host name into a directory name by replacing every
// non-alphanumeric rune with an underscore.
func HostLabel(host string) string {
	label := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, host)
	if label == "" {
		return "_"
	}
	return label
}

// NewIntervalLog prepares <dir>/<host label>/histogram_go.hlog.
func NewIntervalLog(dir, host string) (*IntervalLog, error) {
	folder := filepath.Join(dir, HostLabel(host))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create histogram log directory %q: %w", folder, err)
	}
	return &IntervalLog{path: filepath.Join(folder, IntervalLogFile)}, nil
}

// Path returns the log file location.
func (l *IntervalLog) Path() string {
	return l.path
}

// Write appends h as the interval [start, end]. The header is written only
// when the file is new.
func (l *IntervalLog) Write(h *hdrhistogram.Histogram, start, end time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open histogram log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat histogram log: %w", err)
	}

	writer := hdrhistogram.NewHistogramLogWriter(f)
	if info.Size() == 0 {
		if err := writeHeader(writer, start); err != nil {
			return err
		}
	}

	h.SetStartTimeMs(start.UnixMilli())
	h.SetEndTimeMs(end.UnixMilli())
	h.SetTag(IntervalLogTag)

	if err := writer.OutputIntervalHistogram(h); err != nil {
		return fmt.Errorf("write interval histogram: %w", err)
	}
	return nil
}

func writeHeader(w *hdrhistogram.HistogramLogWriter, start time.Time) error {
	if err := w.OutputComment(intervalComment); err != nil {
		return fmt.Errorf("write histogram log header: %w", err)
	}
	if err := w.OutputLogFormatVersion(); err != nil {
		return fmt.Errorf("write histogram log header: %w", err)
	}
	if err := w.OutputStartTime(start.UnixMilli()); err != nil {
		return fmt.Errorf("write histogram log header: %w", err)
	}
	if err := w.OutputLegend(); err != nil {
		return fmt.Errorf("write histogram log header: %w", err)
	}
	return nil
}

// ReadIntervalLog merges every interval histogram in r. It returns the merged
// histogram (nil when the log holds no intervals) and the interval count.
func ReadIntervalLog(r io.Reader) (*hdrhistogram.Histogram, int, error) {
	reader := hdrhistogram.NewHistogramLogReader(r)

	var merged *hdrhistogram.Histogram
	intervals := 0
	for {
		h, err := reader.NextIntervalHistogram()
		if err != nil {
			return nil, intervals, fmt.Errorf("read interval %d: %w", intervals+1, err)
		}
		if h == nil {
			break
		}
		intervals++

		if merged == nil {
			merged = h
			continue
		}
		if dropped := merged.Merge(h); dropped > 0 {
			return nil, intervals, fmt.Errorf("merge interval %d: %d values out of range", intervals, dropped)
		}
	}

	return merged, intervals, nil
}

// ReadIntervalLogFile opens path and merges its intervals.
func ReadIntervalLogFile(path string) (*hdrhistogram.Histogram, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open histogram log: %w", err)
	}
	defer f.Close()

	return ReadIntervalLog(f)
}

// MergeIntervalLogFiles merges the intervals of every file at paths, such as
// the logs of several client hosts. Files without intervals are skipped.
func MergeIntervalLogFiles(paths ...string) (*hdrhistogram.Histogram, int, error) {
	var merged *hdrhistogram.Histogram
	total := 0
	for _, path := range paths {
		h, intervals, err := ReadIntervalLogFile(path)
		if err != nil {
			return nil, total, fmt.Errorf("%s: %w", path, err)
		}
		total += intervals
		switch {
		case h == nil:
		case merged == nil:
			merged = h
		default:
			if dropped := merged.Merge(h); dropped > 0 {
				return nil, total, fmt.Errorf("%s: %d values out of range", path, dropped)
			}
		}
	}
	return merged, total, nil
}
