package tracker

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Percentiles reported for every interval, in nanoseconds.
type Percentiles struct {
	P50   int64 `json:"p50"`
	P90   int64 `json:"p90"`
	P95   int64 `json:"p95"`
	P99   int64 `json:"p99"`
	P999  int64 `json:"p99.9"`
	P9999 int64 `json:"p99.99"`
	Max   int64 `json:"max"`
}

// Snapshot is the summary of one reporting interval.
type Snapshot struct {
	Latency  Percentiles   `json:"latency_ns"`
	Count    int64         `json:"count"`
	Interval time.Duration `json:"interval_ns"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
}

// Summarize reads the fixed percentile set from h. Each value is the highest
// value equivalent to the bucket holding the true quantile, so the set is
// non-decreasing and Max is never below P9999.
func Summarize(h *hdrhistogram.Histogram) Snapshot {
	return Snapshot{
		Latency: Percentiles{
			P50:   h.ValueAtQuantile(50),
			P90:   h.ValueAtQuantile(90),
			P95:   h.ValueAtQuantile(95),
			P99:   h.ValueAtQuantile(99),
			P999:  h.ValueAtQuantile(99.9),
			P9999: h.ValueAtQuantile(99.99),
			Max:   h.Max(),
		},
		Count: h.TotalCount(),
	}
}

// Throughput returns completed samples per second over the interval.
func (s Snapshot) Throughput() float64 {
	if s.Interval <= 0 {
		return 0
	}
	return float64(s.Count) / s.Interval.Seconds()
}
