package transfer

import (
	"fmt"
	"os"
	"time"

	"github.com/rtedbg/rtegdb/pkg/logflags"
)

const (
	benchmarkRepeatCount = 1000
	maxBenchmarkTime     = 20 * time.Second
)

// BenchmarkSummary aggregates the per-read timings of a benchmark run.
type BenchmarkSummary struct {
	Reads     int
	BlockSize uint32
	MinMs     float64
	MaxMs     float64
	AvgKBs    float64 // average speed over all reads
	MinKBs    float64 // speed of the slowest read
}

// Benchmark measures the memory-read throughput by repeatedly
// transferring the whole structure: up to 1000 reads or 20 seconds,
// whichever comes first. The abort callback is polled between reads so
// a keypress can stop the run. Per-read rows and a summary are written
// to csvPath.
//
// The measurement runs much longer than one transfer on purpose: it
// makes the host scheduler's worst-case pauses visible.
func (t *Transfer) Benchmark(csvPath string, abort func() bool) (*BenchmarkSummary, error) {
	if !logflags.GdbWire() {
		// Logging the wire traffic would dominate the measurement.
		logflags.Mute(true)
		defer logflags.Mute(false)
	}

	if err := t.LoadHeader(); err != nil {
		return nil, err
	}

	fmt.Fprintf(t.out, "\n\nMeasuring the read memory times...\nWait max. 20 seconds for the benchmark to complete.")

	var (
		timesMs []float64
		timeSum float64
		minMs   = 9e99
		maxMs   float64
	)

	benchStart := time.Now()
	for len(timesMs) < benchmarkRepeatCount {
		start := time.Now()
		err := t.conn.ReadMemory(t.mirror, t.params.StartAddress)
		ms := msSince(start)
		timesMs = append(timesMs, ms)
		timeSum += ms

		if err != nil {
			fmt.Fprintf(t.out, "\nBenchmark terminated prematurely - problem with reading from the embedded system.")
			break
		}
		if abort != nil && abort() {
			fmt.Fprintf(t.out, "\nBenchmark terminated with a keystroke.")
			break
		}
		if time.Since(benchStart) > maxBenchmarkTime {
			break
		}
		if ms < minMs {
			minMs = ms
		}
		if ms > maxMs {
			maxMs = ms
		}
	}

	if len(timesMs) < 2 {
		return nil, fmt.Errorf("benchmark produced only %d measurement(s)", len(timesMs))
	}

	size := float64(t.params.Size)
	summary := &BenchmarkSummary{
		Reads:     len(timesMs),
		BlockSize: t.params.Size,
		MinMs:     minMs,
		MaxMs:     maxMs,
		MinKBs:    size / maxMs,
		AvgKBs:    size * float64(len(timesMs)) / timeSum,
	}

	if err := writeBenchmarkCSV(csvPath, t.params.Size, timesMs, summary); err != nil {
		fmt.Fprintf(t.out, "\n%v", err)
	}

	fmt.Fprintf(t.out,
		"\nMinimal time %.1f ms, maximal %.1f ms, block size %d bytes."+
			"\nMinimal speed %.1f kB/s, average speed: %.1f kB/s.\n",
		summary.MinMs, summary.MaxMs, summary.BlockSize,
		summary.MinKBs, summary.AvgKBs)

	return summary, nil
}

func writeBenchmarkCSV(path string, blockSize uint32, timesMs []float64, s *BenchmarkSummary) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %q: %w", path, err)
	}
	defer fh.Close()

	fmt.Fprintf(fh, "Count;Time [ms];Data transfer speed [kB/s]\n")
	for i, ms := range timesMs {
		fmt.Fprintf(fh, "%4d;%.1f;%.1f\n", i+1, ms, float64(blockSize)/ms)
	}
	fmt.Fprintf(fh,
		"\nMinimal time %.1f ms, maximal time %.1f ms, block size %d bytes."+
			"\nMinimal speed %.1f kB/s, average speed: %.1f kB/s.\n",
		s.MinMs, s.MaxMs, blockSize, s.MinKBs, s.AvgKBs)
	return nil
}
