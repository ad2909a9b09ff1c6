package terminal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rtedbg/rtegdb/internal/gdbtest"
	"github.com/rtedbg/rtegdb/pkg/gdbconn"
	"github.com/rtedbg/rtegdb/pkg/rtedbg"
	"github.com/rtedbg/rtegdb/pkg/transfer"
)

const startAddr = 0x24000000

func newTerm(t *testing.T, params *transfer.Params) (*Term, *gdbtest.Server, *bytes.Buffer) {
	t.Helper()
	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)

	hdr := rtedbg.Header{
		LastIndex:  10,
		Filter:     0x0f,
		RteCfg:     6<<24 | 1<<1,
		TstampFreq: 48000000,
		BufferSize: 64,
	}
	srv.SetMemory(startAddr, hdr.Bytes())

	conn, err := gdbconn.Dial(gdbconn.Config{Port: srv.Port()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	tr := transfer.New(conn, params)
	out := &bytes.Buffer{}
	tr.SetOutput(out)
	term := New(tr, Options{})
	term.out = out
	return term, srv, out
}

func TestDispatchHelp(t *testing.T) {
	term, _, out := newTerm(t, &transfer.Params{StartAddress: startAddr})
	exit, err := term.dispatch('?')
	if exit || err != nil {
		t.Fatalf("dispatch('?') = %v, %v", exit, err)
	}
	if !strings.Contains(out.String(), "Available commands") {
		t.Error("help text not shown")
	}
}

func TestDispatchSnapshotKey(t *testing.T) {
	binFile := filepath.Join(t.TempDir(), "data.bin")
	term, srv, out := newTerm(t, &transfer.Params{StartAddress: startAddr, BinFile: binFile})

	exit, err := term.dispatch(' ')
	if exit || err != nil {
		t.Fatalf("dispatch(' ') = %v, %v", exit, err)
	}
	if _, err := os.Stat(binFile); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	if !strings.Contains(out.String(), "Data written to") {
		t.Error("success message not shown")
	}
	if got := srv.Uint32(startAddr + rtedbg.OffFilter); got != 0x0f {
		t.Errorf("filter = %#x after snapshot", got)
	}
}

func TestDispatchHeaderKeyLowercase(t *testing.T) {
	term, _, out := newTerm(t, &transfer.Params{StartAddress: startAddr})
	if _, err := term.dispatch('h'); err != nil {
		t.Fatalf("dispatch('h'): %v", err)
	}
	if !strings.Contains(out.String(), "Circular buffer size: 64 words") {
		t.Errorf("header info not shown: %q", out.String())
	}
}

func TestDispatchUnknownKey(t *testing.T) {
	term, _, out := newTerm(t, &transfer.Params{StartAddress: startAddr})
	if _, err := term.dispatch('*'); err != nil {
		t.Fatalf("dispatch('*'): %v", err)
	}
	if !strings.Contains(out.String(), "Unknown command") {
		t.Error("unknown-command message not shown")
	}
}

func TestDispatchScriptKeyMissingFile(t *testing.T) {
	term, _, _ := newTerm(t, &transfer.Params{StartAddress: startAddr})
	if _, err := term.dispatch('3'); err == nil {
		t.Fatal("expected error for missing 3.cmd")
	}
}

func TestDispatchStartScriptNotConfigured(t *testing.T) {
	term, _, out := newTerm(t, &transfer.Params{StartAddress: startAddr})
	if _, err := term.dispatch('0'); err != nil {
		t.Fatalf("dispatch('0'): %v", err)
	}
	if !strings.Contains(out.String(), "Command file not defined") {
		t.Error("missing -start message not shown")
	}
}

func TestReportErrorClassification(t *testing.T) {
	term, _, out := newTerm(t, &transfer.Params{StartAddress: startAddr})
	term.reportError(gdbconn.ErrConnectionClosed)
	if !strings.Contains(out.String(), "reconnect") {
		t.Error("closed connection should suggest reconnecting")
	}
	out.Reset()
	term.reportError(gdbconn.ErrRecvTimeout)
	if !strings.Contains(out.String(), "no answer") {
		t.Error("timeout should report a missing answer")
	}
}

func TestStatusLinePadding(t *testing.T) {
	term, _, out := newTerm(t, &transfer.Params{StartAddress: startAddr})
	term.lastStatus = time.Time{}
	term.statusLen = 60 // a longer line was shown before
	term.displayLoggingState()
	if !strings.Contains(out.String(), "Index:") {
		t.Errorf("status line not shown: %q", out.String())
	}
	// "\r", the new line, then spaces up to the previous line's length
	if got := len(out.String()); got != 1+60 {
		t.Errorf("status output length = %d, want %d (padded over the previous line): %q", got, 1+60, out.String())
	}
}
