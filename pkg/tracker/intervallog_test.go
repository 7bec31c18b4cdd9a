package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostLabel(t *testing.T) {
	tests := map[string]string{
		"localhost":      "localhost",
		"test.host":      "test_host",
		"10.0.0.1":       "10_0_0_1",
		"ws-node-1:8888": "ws_node_1_8888",
		"":               "_",
	}
	for host, want := range tests {
		assert.Equal(t, want, HostLabel(host), host)
	}
}

func TestNewIntervalLog(t *testing.T) {
	dir := t.TempDir()

	l, err := NewIntervalLog(dir, "example.com")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "example_com", IntervalLogFile), l.Path())

	info, err := os.Stat(filepath.Join(dir, "example_com"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestIntervalLog_RoundTrip(t *testing.T) {
	l, err := NewIntervalLog(t.TempDir(), "localhost")
	require.NoError(t, err)

	tr, clock := newTestTracker(t, Config{TestSize: 1000}, WithIntervalLog(l))
	reference := hdrhistogram.New(LowestTrackableValue, HighestTrackableValue, DefaultSignificantFigures)

	for interval := 0; interval < 3; interval++ {
		for i := 1; i <= 200; i++ {
			id := fmt.Sprintf("id-%d-%d", interval, i)
			latency := time.Duration(i*(interval+1)) * time.Microsecond
			tr.RecordOpenSent(id)
			clock.Advance(latency)
			_, ok := tr.ResolveOpen(id)
			require.True(t, ok)
			require.NoError(t, reference.RecordValue(int64(latency)))
		}
		tr.SnapshotAndReset()
	}

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	content := string(raw)
	assert.Equal(t, 1, strings.Count(content, intervalComment), "header is written once")
	assert.Contains(t, content, "#[Histogram log format version 1.3]")
	assert.Contains(t, content, "Tag="+IntervalLogTag)

	merged, intervals, err := ReadIntervalLogFile(l.Path())
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, 3, intervals)
	assert.Equal(t, reference.TotalCount(), merged.TotalCount())
	assert.Equal(t, Summarize(reference).Latency, Summarize(merged).Latency)
}

func TestReadIntervalLog_Empty(t *testing.T) {
	merged, intervals, err := ReadIntervalLog(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, merged)
	assert.Equal(t, 0, intervals)
}

func TestReadIntervalLogFile_Missing(t *testing.T) {
	_, _, err := ReadIntervalLogFile(filepath.Join(t.TempDir(), "absent.hlog"))
	assert.Error(t, err)
}

func TestMergeIntervalLogFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, host := range []string{"host-a", "host-b"} {
		l, err := NewIntervalLog(dir, host)
		require.NoError(t, err)
		h := hdrhistogram.New(LowestTrackableValue, HighestTrackableValue, DefaultSignificantFigures)
		for i := 1; i <= 50; i++ {
			require.NoError(t, h.RecordValue(int64(i)*1000))
		}
		now := time.Now()
		require.NoError(t, l.Write(h, now.Add(-time.Second), now))
		require.NoError(t, l.Write(h, now, now.Add(time.Second)))
		paths = append(paths, l.Path())
	}

	empty := filepath.Join(dir, "empty.hlog")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	merged, intervals, err := MergeIntervalLogFiles(append(paths, empty)...)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, 4, intervals)
	assert.Equal(t, int64(200), merged.TotalCount())

	_, _, err = MergeIntervalLogFiles(paths[0], filepath.Join(dir, "absent.hlog"))
	assert.Error(t, err)
}
