// Package terminal implements the persistent-mode interactive loop: a
// single actor that polls the keyboard, refreshes the logging status
// line and dispatches single-key commands to the transfer operations.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/rtedbg/rtegdb/pkg/gdbconn"
	"github.com/rtedbg/rtegdb/pkg/logflags"
	"github.com/rtedbg/rtegdb/pkg/transfer"
)

const (
	keyPollInterval = 50 * time.Millisecond
	statusInterval  = 350 * time.Millisecond
)

// Options configure the interactive session.
type Options struct {
	// StartScript is the command file replayed by the '0' key.
	StartScript string
	// DecodeCommand runs after every successful snapshot.
	DecodeCommand string
	// Reconnect re-establishes the GDB server connection for the 'R'
	// key.
	Reconnect func() (*gdbconn.Conn, error)
}

// Term is the interactive session state.
type Term struct {
	tr   *transfer.Transfer
	opts Options
	out  io.Writer
	kb   *keyboard

	lastStatus time.Time
	statusLen  int
}

// New creates an interactive session around an established transfer.
func New(tr *transfer.Transfer, opts Options) *Term {
	return &Term{tr: tr, opts: opts, out: os.Stdout}
}

// Run drives the session until the user exits. The returned error is
// nil for a user-requested exit.
func (t *Term) Run() error {
	kb, err := openKeyboard()
	if err != nil {
		return fmt.Errorf("could not set up the keyboard: %w", err)
	}
	t.kb = kb
	defer kb.Close()

	fmt.Fprintf(t.out, "\nPress the '?' key for a list of available commands.\n")

	for {
		key, ok := kb.Poll(keyPollInterval)
		if !ok {
			t.displayLoggingState()
			continue
		}

		// A reset or breakpoint may have left stop replies behind;
		// they must not corrupt the frames of the next command.
		t.tr.Conn().Drain()
		t.clearStatusLine()

		exit, err := t.dispatch(key)
		if exit {
			return nil
		}
		t.reportError(err)
	}
}

func (t *Term) dispatch(key byte) (exit bool, err error) {
	if key >= 'a' && key <= 'z' {
		key -= 'a' - 'A'
	}
	switch key {
	case '?':
		t.showHelp()

	case ' ':
		if err := t.tr.Snapshot(); err != nil {
			return false, err
		}
		fmt.Fprintf(t.out, "\nData written to %q\n", t.tr.Params().BinFile)
		return false, t.tr.RunDecode(t.opts.DecodeCommand)

	case 'F':
		return false, t.promptNewFilter()

	case 'S':
		if err := t.tr.SwitchToSingleShot(); err != nil {
			return false, err
		}
		fmt.Fprintf(t.out, "\nSingle shot logging mode enabled and restarted.\n")

	case 'P':
		wasSingleShot := t.tr.Header().SingleShotActive()
		if err := t.tr.SwitchToPostMortem(); err != nil {
			return false, err
		}
		if wasSingleShot {
			fmt.Fprintf(t.out, "\nPost-mortem logging mode enabled and restarted.\n")
		} else {
			fmt.Fprintf(t.out, "\nPost-mortem mode restarted.\n")
		}

	case 'H':
		return false, t.tr.PrintHeaderInfo()

	case 'B':
		_, err := t.tr.Benchmark("speed_test.csv", t.kb.Pressed)
		return false, err

	case 'L':
		logflags.Mute(!logflags.Muted())
		if logflags.Muted() {
			fmt.Fprintf(t.out, "\nLogging disabled.\n")
		} else {
			fmt.Fprintf(t.out, "\nLogging enabled.\n")
		}

	case '0':
		if t.opts.StartScript == "" {
			fmt.Fprintf(t.out, "\nCommand file not defined with the -start=command_file argument.\n")
			return false, nil
		}
		return false, t.tr.RunScript(t.opts.StartScript)

	case '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return false, t.tr.RunScript(fmt.Sprintf("%c.cmd", key))

	case 'R':
		return false, t.reconnect()

	case 0x1b: // Esc
		if t.confirmExit() {
			return true, nil
		}

	default:
		fmt.Fprintf(t.out, "\nUnknown command - Press the '?' key for a list of available commands.\n")
	}
	return false, nil
}

func (t *Term) showHelp() {
	fmt.Fprint(t.out,
		"\n\nAvailable commands:"+
			"\n   'Space' - Start data transfer and decoding if the -decode=decode_command argument is used."+
			"\n   'F' - Set new filter value."+
			"\n   'S' - Switch to single shot mode and restart logging."+
			"\n   'P' - Switch to post-mortem mode and restart logging."+
			"\n   '0' - Restart the command file defined with the -start argument."+
			"\n   '1' ... '9' - Start the command file 1.cmd ... 9.cmd."+
			"\n   'B' - Benchmark data transfer speed."+
			"\n   'H' - Load the data logging structure header and display information."+
			"\n   'L' - Enable / disable logging to the log file."+
			"\n   'R' - Reconnect to the GDB server."+
			"\n   '?' - View an overview of available commands."+
			"\n   'Esc' - Exit."+
			"\n----------------------------------------------------------------------\n")
}

// displayLoggingState refreshes the status line every statusInterval.
// The header poll is muted so it does not flood the log between
// keypresses.
func (t *Term) displayLoggingState() {
	if time.Since(t.lastStatus) < statusInterval {
		return
	}
	t.lastStatus = time.Now()

	muted := logflags.Muted()
	if !logflags.GdbWire() && !muted {
		logflags.Mute(true)
		defer logflags.Mute(muted)
	}

	t.tr.Conn().Drain()
	line := ""
	if err := t.tr.LoadHeader(); err != nil {
		line = "Cannot read data from the embedded system."
	} else {
		line = t.tr.StatusLine()
	}
	pad := t.statusLen - len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(t.out, "\r%s%s", line, strings.Repeat(" ", pad))
	t.statusLen = len(line)
}

func (t *Term) clearStatusLine() {
	if t.statusLen > 0 {
		fmt.Fprintf(t.out, "\r%s\r", strings.Repeat(" ", t.statusLen))
		t.statusLen = 0
	}
}

// promptNewFilter asks for a new filter value. Enter keeps the current
// parameter value but still writes it to the target.
func (t *Term) promptNewFilter() error {
	if !t.tr.Header().FilteringEnabled() {
		if err := t.tr.LoadHeader(); err != nil {
			return err
		}
		if !t.tr.Header().FilteringEnabled() {
			fmt.Fprintf(t.out, "\nMessage filtering disabled in the firmware.\n")
			return nil
		}
	}

	input, err := t.promptLine(fmt.Sprintf("Enter new filter value -> -1=ALL (0x%X): ", t.tr.Params().Filter))
	if err != nil {
		return err
	}
	if strings.TrimSpace(input) == "" {
		// keep the previous parameter value, but write it out
		t.tr.Params().SetFilter = true
		if err := t.tr.RestoreFilter(); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "\nMessage filter set to 0x%X\n", t.tr.Params().Filter)
		return nil
	}
	return t.tr.SetFilterValue(input)
}

// confirmExit asks for the 'Y' confirmation the way the original tool
// did.
func (t *Term) confirmExit() bool {
	input, err := t.promptLine("Press the 'Y' key and Enter to exit the program: ")
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(input), "y")
}

// promptLine reads one line with the line editor. Raw keyboard mode is
// suspended for the duration of the prompt.
func (t *Term) promptLine(prompt string) (string, error) {
	t.kb.Suspend()
	defer t.kb.Resume()

	fmt.Fprintln(t.out)
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	input, err := line.Prompt(prompt)
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", err
	}
	return input, nil
}

// reconnect tears the current connection down and dials the server
// again.
func (t *Term) reconnect() error {
	if t.opts.Reconnect == nil {
		fmt.Fprintf(t.out, "\nReconnect not available.\n")
		return nil
	}
	t.tr.Conn().Close()
	conn, err := t.opts.Reconnect()
	if err != nil {
		return err
	}
	t.tr.SetConn(conn)
	fmt.Fprintf(t.out, "\nReconnected to the GDB server.\n")
	return nil
}

// reportError shows a short classified message and keeps the loop
// alive. Only transport-level failures suggest reconnecting.
func (t *Term) reportError(err error) {
	if err == nil {
		return
	}
	var opErr *net.OpError
	switch {
	case errors.Is(err, gdbconn.ErrConnectionClosed):
		fmt.Fprintf(t.out, "\nConnection to the GDB server closed - press 'R' to reconnect.\n")
	case errors.Is(err, gdbconn.ErrRecvTimeout), errors.Is(err, gdbconn.ErrSendTimeout):
		fmt.Fprintf(t.out, "\nCould not execute command: no answer from the GDB server.\n")
	case errors.As(err, &opErr):
		fmt.Fprintf(t.out, "\nSocket error: %v - press 'R' to reconnect.\n", err)
	case errors.Is(err, transfer.ErrFilterReenabled):
		// already reported in detail by the check itself
	default:
		fmt.Fprintf(t.out, "\nCould not execute command: %v\n", err)
	}
}
