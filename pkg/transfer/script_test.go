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

// A full init script: comments and blanks are skipped, #delay sleeps,
// #init rebuilds the structure, #filter enables logging and plain lines
// go out on the wire verbatim.
func TestRunScriptMetaCommands(t *testing.T) {
	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	script := filepath.Join(t.TempDir(), "init.cmd")
	content := "##comment\n" +
		"\n" +
		"#delay 10\n" +
		"#init 0x06000006 48000000\n" +
		"#filter 1\n" +
		"M24000100,4:DEADBEEF\n"
	if err := os.WriteFile(script, []byte(content), 0o666); err != nil {
		t.Fatal(err)
	}

	const size = rtedbg.HeaderSize + 64*4
	params := &transfer.Params{StartAddress: startAddr, Size: size}
	tr := newTransfer(t, srv, params)

	if err := tr.RunScript(script); err != nil {
		t.Fatalf("RunScript: %v", err)
	}

	// Wire order: handshake, then pause (zero filter), header write,
	// buffer-clear writes, filter write, then the verbatim command.
	transcript := srv.Transcript()
	var writes []string
	for _, msg := range transcript {
		if strings.HasPrefix(msg, "M") {
			writes = append(writes, msg)
		}
	}
	if len(writes) < 4 {
		t.Fatalf("expected at least 4 memory writes, got %q", transcript)
	}
	if !strings.HasPrefix(writes[0], "M24000004,0004:00000000") {
		t.Errorf("first write is not the filter pause: %q", writes[0])
	}
	if !strings.HasPrefix(writes[1], "M24000000,0018:") {
		t.Errorf("second write is not the 24-byte header: %q", writes[1])
	}
	if !strings.HasPrefix(writes[2], "M24000018,") {
		t.Errorf("third write is not the buffer clear: %q", writes[2])
	}
	last := writes[len(writes)-1]
	if last != "M24000100,4:DEADBEEF" {
		t.Errorf("last write is not the verbatim script command: %q", last)
	}
	filterWrite := writes[len(writes)-2]
	if !strings.HasPrefix(filterWrite, "M24000004,0004:01000000") {
		t.Errorf("filter write missing before the verbatim command: %q", filterWrite)
	}

	// Effects on the target.
	if got := srv.Uint32(startAddr + rtedbg.OffFilter); got != 0x1 {
		t.Errorf("filter = %#x, want 0x1", got)
	}
	hdr, err := rtedbg.DecodeHeader(srv.Memory(startAddr, rtedbg.HeaderSize))
	if err != nil {
		t.Fatal(err)
	}
	if hdr.RteCfg != 0x06000006 || hdr.TstampFreq != 48000000 {
		t.Errorf("unexpected header after #init: %+v", hdr)
	}
	b := srv.Memory(0x24000100, 4)
	if b[0] != 0xde || b[1] != 0xad || b[2] != 0xbe || b[3] != 0xef {
		t.Errorf("verbatim write did not reach memory: % x", b)
	}
}

// A failing RSP command aborts the script; later lines are not sent.
func TestRunScriptAbortsOnCommandError(t *testing.T) {
	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.Replies["vBad"] = "E05"

	script := filepath.Join(t.TempDir(), "fail.cmd")
	content := "vBad\nM24000100,4:DEADBEEF\n"
	if err := os.WriteFile(script, []byte(content), 0o666); err != nil {
		t.Fatal(err)
	}

	tr := newTransfer(t, srv, &transfer.Params{StartAddress: startAddr})
	if err := tr.RunScript(script); err == nil {
		t.Fatal("expected script abort")
	}
	for _, msg := range srv.Transcript() {
		if strings.HasPrefix(msg, "M24000100") {
			t.Fatal("command after the failing one was sent")
		}
	}
}

// A failing meta-command logs and continues.
func TestRunScriptContinuesAfterMetaError(t *testing.T) {
	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	script := filepath.Join(t.TempDir(), "meta.cmd")
	content := "#init 0x06000006 0\nM24000100,4:DEADBEEF\n"
	if err := os.WriteFile(script, []byte(content), 0o666); err != nil {
		t.Fatal(err)
	}

	tr := newTransfer(t, srv, &transfer.Params{StartAddress: startAddr, Size: 280})
	if err := tr.RunScript(script); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	found := false
	for _, msg := range srv.Transcript() {
		if msg == "M24000100,4:DEADBEEF" {
			found = true
		}
	}
	if !found {
		t.Fatal("script did not continue past the failed meta-command")
	}
}

func TestRunScriptMissingFile(t *testing.T) {
	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	tr := newTransfer(t, srv, &transfer.Params{StartAddress: startAddr})
	if err := tr.RunScript(filepath.Join(t.TempDir(), "absent.cmd")); err == nil {
		t.Fatal("expected error for a missing command file")
	}
}
