package cmds

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rtedbg/rtegdb/internal/gdbtest"
	"github.com/rtedbg/rtegdb/pkg/rtedbg"
)

func resetFlags() {
	binFile, filterStr, filterNames = "", "", ""
	clearBuffer, persistent, detachFlag, debugComm, priorityOn = false, false, false, false, false
	delayMs, msgSize = 0, 0
	ipAddr, logFile, startScript, decodeCmd = "", "", "", ""
	drivers = nil
	logFlag, logOutput, logDest = false, "", ""
}

func TestParseArgs(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		ok   bool
	}{
		{"valid", []string{"3333", "24000000", "0"}, true},
		{"valid-with-size", []string{"3333", "0x24000000", "0x2000"}, true},
		{"bad-port", []string{"abc", "24000000", "0"}, false},
		{"port-too-large", []string{"70000", "24000000", "0"}, false},
		{"unaligned-address", []string{"3333", "24000001", "0"}, false},
		{"unaligned-size", []string{"3333", "24000000", "42"}, false},
		{"size-too-small", []string{"3333", "24000000", "10"}, false},
		{"bad-address", []string{"3333", "xyz", "0"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resetFlags()
			_, _, err := parseArgs(tc.args)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseArgsFilterOverride(t *testing.T) {
	resetFlags()
	filterStr = "0x10"
	params, port, err := parseArgs([]string{"3333", "24000000", "0"})
	if err != nil {
		t.Fatal(err)
	}
	if port != 3333 {
		t.Errorf("port = %d", port)
	}
	if !params.SetFilter || params.Filter != 0x10 {
		t.Errorf("filter override not applied: %+v", params)
	}
}

func TestOneShotTransfer(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	resetFlags()

	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	hdr := rtedbg.Header{
		Filter:     0x0f,
		RteCfg:     6<<24 | 1<<1,
		BufferSize: 64,
	}
	srv.SetMemory(0x24000000, hdr.Bytes())

	binPath := filepath.Join(t.TempDir(), "data.bin")
	cmd := New()
	cmd.SetArgs([]string{
		fmt.Sprintf("%d", srv.Port()),
		"24000000",
		"0",
		"--bin=" + binPath,
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	image, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(image) != rtedbg.HeaderSize+64*4 {
		t.Errorf("file size = %d", len(image))
	}
	if got := srv.Uint32(0x24000000 + rtedbg.OffFilter); got != 0x0f {
		t.Errorf("filter after transfer = %#x", got)
	}
}

func TestUnsupportedServerFails(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	resetFlags()

	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.Capabilities = "PacketSize=400"

	cmd := New()
	cmd.SetArgs([]string{fmt.Sprintf("%d", srv.Port()), "24000000", "0"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected failure against a server without QStartNoAckMode")
	}
	for _, msg := range srv.Transcript() {
		if len(msg) > 0 && (msg[0] == 'm' || msg[0] == 'M') {
			t.Fatalf("memory access issued against unsupported server: %q", msg)
		}
	}
}

func TestStartScriptRuns(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	resetFlags()

	srv, err := gdbtest.New()
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	hdr := rtedbg.Header{Filter: 0x1, RteCfg: 6<<24 | 1<<1, BufferSize: 64}
	srv.SetMemory(0x24000000, hdr.Bytes())
	srv.Replies["R 00"] = "OK"

	dir := t.TempDir()
	script := filepath.Join(dir, "start.cmd")
	if err := os.WriteFile(script, []byte("R 00\n"), 0o666); err != nil {
		t.Fatal(err)
	}

	cmd := New()
	cmd.SetArgs([]string{
		fmt.Sprintf("%d", srv.Port()),
		"24000000",
		"0",
		"--bin=" + filepath.Join(dir, "data.bin"),
		"--start=" + script,
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	found := false
	for _, msg := range srv.Transcript() {
		if msg == "R 00" {
			found = true
		}
	}
	if !found {
		t.Fatal("start script command not sent")
	}
}
