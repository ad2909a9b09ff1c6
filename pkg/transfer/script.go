package transfer

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rtedbg/rtegdb/pkg/logflags"
)

// RunScript executes a command file against the GDB server, one command
// per line. Lines starting with "##" are comments; lines starting with
// "#" are meta-commands handled locally:
//
//	#delay N               sleep N milliseconds, then drain the socket
//	#echo TEXT             print TEXT
//	#filter HEX            set the message filter
//	#init CFG_HEX FREQ_DEC initialize the logging structure
//
// Every other non-empty line is sent verbatim as an RSP command. A
// failed RSP command aborts the script; a failed meta-command is logged
// and the script continues.
func (t *Transfer) RunScript(path string) error {
	// A reset or breakpoint before the script may have left a stop
	// reply in the socket.
	t.conn.Drain()

	log := logflags.ScriptLogger()
	log.Debugf("executing command file %q", path)
	fmt.Fprintf(t.out, "\nExecute command file: %q ...", path)

	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("could not open command file: %w", err)
	}
	defer fh.Close()

	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		if line[0] == '#' {
			t.metaCommand(line)
			continue
		}
		log.Debugf("command %q", line)
		out, err := t.conn.Execute(line)
		if out != "" {
			fmt.Fprintf(t.out, "\n   %q: %q", line, out)
		}
		if err != nil {
			return fmt.Errorf("command %q: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("could not read command file: %w", err)
	}
	fmt.Fprintln(t.out)
	return nil
}

// metaCommand runs one '#' line locally. Errors do not stop the script.
func (t *Transfer) metaCommand(line string) {
	log := logflags.ScriptLogger()
	if strings.HasPrefix(line, "##") {
		return
	}
	if !strings.HasPrefix(line, "#echo ") {
		log.Debugf("meta %q", line)
	}

	switch {
	case strings.HasPrefix(line, "#delay "):
		ms, err := strconv.ParseUint(strings.TrimSpace(line[len("#delay "):]), 10, 32)
		if err != nil || ms == 0 {
			log.Debugf("bad #delay argument in %q", line)
			return
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		t.conn.Drain()

	case strings.HasPrefix(line, "#init "):
		fields := strings.Fields(line[len("#init "):])
		var cfgWord, freq uint64
		var err error
		if len(fields) == 2 {
			cfgWord, err = strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 32)
			if err == nil {
				freq, err = strconv.ParseUint(fields[1], 10, 32)
			}
		}
		if len(fields) != 2 || err != nil {
			log.Debugf("#init needs a config word (hex) and a timestamp frequency (decimal): %q", line)
			return
		}
		fmt.Fprintf(t.out, "\nLogging data structure initialization")
		if err := t.InitializeStructure(uint32(cfgWord), uint32(freq)); err != nil {
			log.Debugf("#init: %v", err)
			fmt.Fprintf(t.out, "\n%v", err)
		}

	case strings.HasPrefix(line, "#filter "):
		if err := t.SetFilterValue(strings.TrimSpace(line[len("#filter "):])); err != nil {
			log.Debugf("#filter: %v", err)
			fmt.Fprintf(t.out, "\n%v", err)
		}

	case strings.HasPrefix(line, "#echo "):
		fmt.Fprintf(t.out, "\n   %s", line[len("#echo "):])

	default:
		log.Debugf("unknown meta-command %q", line)
		fmt.Fprintf(t.out, "\n   %q - unknown command", line)
	}
}
