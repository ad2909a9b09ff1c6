package transfer_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rtedbg/rtegdb/internal/gdbtest"
	"github.com/rtedbg/rtegdb/pkg/rtedbg"
	"github.com/rtedbg/rtegdb/pkg/transfer"
)

func TestBenchmarkWritesReport(t *testing.T) {
	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	hdr := rtedbg.Header{Filter: 1, RteCfg: 6<<24 | 1<<1, BufferSize: 64}
	setupTarget(srv, hdr, 0x42)

	tr := newTransfer(t, srv, &transfer.Params{StartAddress: startAddr})

	csvPath := filepath.Join(t.TempDir(), "speed_test.csv")
	reads := 0
	summary, err := tr.Benchmark(csvPath, func() bool {
		reads++
		return reads >= 5 // abort as a keypress would
	})
	if err != nil {
		t.Fatalf("Benchmark: %v", err)
	}
	if summary.Reads != 5 {
		t.Errorf("summary.Reads = %d, want 5", summary.Reads)
	}
	if summary.BlockSize != rtedbg.HeaderSize+64*4 {
		t.Errorf("summary.BlockSize = %d", summary.BlockSize)
	}
	if summary.AvgKBs <= 0 || summary.MinMs <= 0 {
		t.Errorf("degenerate summary: %+v", summary)
	}

	report, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(string(report), "\n")
	if lines[0] != "Count;Time [ms];Data transfer speed [kB/s]" {
		t.Errorf("unexpected CSV header: %q", lines[0])
	}
	// five data rows, a blank line, then the textual summary
	if len(lines) < 8 {
		t.Fatalf("report too short: %q", report)
	}
	if lines[6] != "" {
		t.Errorf("expected blank line before the summary, got %q", lines[6])
	}
	if !strings.Contains(string(report), "average speed") {
		t.Error("summary line missing from the report")
	}
}
