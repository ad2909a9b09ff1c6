// Package logflags routes log output for the components of rtegdb.
// A component only produces debug output when it has been enabled with
// --log-output; everything else stays at error level.
package logflags

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	gdbWire  = false
	session  = false
	transfer = false
	script   = false
)

var logOut io.WriteCloser

var (
	loggers = map[string]*logrus.Logger{}
	muted   bool
)

// makeLogger returns the shared logger for a component, so that later
// Mute/unmute calls reach entries handed out earlier.
func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	name, _ := fields["layer"].(string)
	lg, ok := loggers[name]
	if !ok {
		lg = logrus.New()
		lg.Formatter = &textFormatter{}
		lg.Out = output()
		loggers[name] = lg
	}
	lg.Level = logrus.DebugLevel
	if !flag {
		lg.Level = logrus.ErrorLevel
	}
	return lg.WithFields(fields)
}

func output() io.Writer {
	if muted {
		return io.Discard
	}
	if logOut != nil {
		return logOut
	}
	return os.Stderr
}

// Mute suspends or resumes all log output. Used to keep logging from
// slowing down benchmark transfers and by the interactive 'L' toggle.
func Mute(on bool) {
	muted = on
	for _, lg := range loggers {
		lg.SetOutput(output())
	}
}

// Muted reports whether log output is currently suspended.
func Muted() bool { return muted }

// Any returns true if any logging component is enabled.
func Any() bool {
	return gdbWire || session || transfer || script
}

// GdbWire returns true if the gdbconn package should log every packet
// exchanged with the GDB server.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the RSP wire traffic.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbconn"})
}

// Session returns true if connection setup and capability negotiation
// should be logged.
func Session() bool {
	return session
}

// SessionLogger returns a logger for connection setup and teardown.
func SessionLogger() *logrus.Entry {
	return makeLogger(session, logrus.Fields{"layer": "session"})
}

// Transfer returns true if the transfer package should log its
// operations (header loads, snapshots, buffer resets).
func Transfer() bool {
	return transfer
}

// TransferLogger returns a logger for the transfer state machine.
func TransferLogger() *logrus.Entry {
	return makeLogger(transfer, logrus.Fields{"layer": "transfer"})
}

// Script returns true if command-script execution should be logged.
func Script() bool {
	return script
}

// ScriptLogger returns a logger for command-script execution.
func ScriptLogger() *logrus.Entry {
	return makeLogger(script, logrus.Fields{"layer": "script"})
}

var errLogstrWithoutLog = fmt.Errorf("--log-output specified without --log")

// Setup sets the component flags based on the contents of logstr and
// redirects output to dest if it is non-empty. Dest may be a file path
// or a file descriptor number.
func Setup(logFlag bool, logstr, dest string) error {
	if dest != "" {
		n, err := strconv.Atoi(dest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "rtegdb-logs")
		} else {
			fh, err := os.Create(dest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "transfer"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "gdbwire":
			gdbWire = true
		case "session":
			session = true
		case "transfer":
			transfer = true
		case "script":
			script = true
		default:
			return fmt.Errorf("invalid log component %q", logcmd)
		}
	}
	return nil
}

// Close closes the logging destination, if one was opened by Setup.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// textFormatter prints compact single-line entries: timestamp, fields
// in a fixed order, then the message.
type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05.000"))
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteString(" ")
	b.WriteString(entry.Message)
	b.WriteString("\n")
	return []byte(b.String()), nil
}
