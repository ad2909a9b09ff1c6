// Package cmds builds the rtegdb command tree: argument parsing, the
// one-shot transfer mode and the entry into the persistent interactive
// mode.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rtedbg/rtegdb/internal/prio"
	"github.com/rtedbg/rtegdb/pkg/config"
	"github.com/rtedbg/rtegdb/pkg/gdbconn"
	"github.com/rtedbg/rtegdb/pkg/logflags"
	"github.com/rtedbg/rtegdb/pkg/rtedbg"
	"github.com/rtedbg/rtegdb/pkg/terminal"
	"github.com/rtedbg/rtegdb/pkg/transfer"
	"github.com/rtedbg/rtegdb/pkg/version"
)

const maxDrivers = 5

var (
	binFile     string
	filterStr   string
	filterNames string
	clearBuffer bool
	persistent  bool
	delayMs     uint
	ipAddr      string
	logFile     string
	startScript string
	detachFlag  bool
	decodeCmd   string
	debugComm   bool
	priorityOn  bool
	drivers     []string
	msgSize     int

	logFlag   bool
	logOutput string
	logDest   string

	conf *config.Config
)

const rtegdbLongDesc = `rtegdb transfers the embedded data-logging structure to a host file
over a GDB server (J-LINK, ST-LINK, OpenOCD, ...).

PORT is the GDB server TCP port, ADDR the hex address of the logging
structure and SIZE its hex byte size (0 reads the size from the
structure header). The transfer pauses logging by zeroing the message
filter, reads the structure, optionally clears the circular buffer and
restores the filter before the image is saved.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:           "rtegdb PORT ADDR SIZE",
		Short:         "Transfer the embedded log-data structure through a GDB server.",
		Long:          rtegdbLongDesc,
		Args:          cobra.ExactArgs(3),
		RunE:          rootCmdRun,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.RtegdbVersion.String(),
	}

	addFlags(rootCommand.Flags())

	return rootCommand
}

func addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&binFile, "bin", "", "Output file for the transferred structure (default data.bin).")
	flags.StringVar(&filterStr, "filter", "", "Hex filter value to set after the transfer instead of restoring the old one.")
	flags.StringVar(&filterNames, "filter-names", "", "File with one message-filter name per bit line.")
	flags.BoolVar(&clearBuffer, "clear", false, "Overwrite the circular buffer with 0xFF after the transfer.")
	flags.BoolVarP(&persistent, "persistent", "p", false, "Keep the connection open for repeated interactive transfers.")
	flags.UintVar(&delayMs, "delay", 0, "Delay in ms between pausing the logging and the bulk read.")
	flags.StringVar(&ipAddr, "ip", "", "GDB server IPv4 address (default 127.0.0.1).")
	flags.StringVar(&logFile, "log-file", "", "Redirect operation logging to a file.")
	flags.StringVar(&startScript, "start", "", "Command file executed right after connecting.")
	flags.BoolVar(&detachFlag, "detach", false, "Send the detach command before disconnecting.")
	flags.StringVar(&decodeCmd, "decode", "", "Decoder command started after every successful transfer.")
	flags.BoolVar(&debugComm, "debug", false, "Log the complete GDB server communication.")
	flags.BoolVar(&priorityOn, "priority", false, "Raise the process priority during the session.")
	flags.StringArrayVar(&drivers, "driver", nil, "Debug-probe driver process elevated together with rtegdb (repeatable).")
	flags.IntVar(&msgSize, "msgsize", 0, "Receive packet size requested from the GDB server (256..65535).")

	flags.BoolVar(&logFlag, "log", false, "Enable debug logging.")
	flags.StringVar(&logOutput, "log-output", "", "Comma separated list of components that should produce debug output (gdbwire,session,transfer,script).")
	flags.StringVar(&logDest, "log-dest", "", "Writes log to the specified file or file descriptor.")
}

func rootCmdRun(cmd *cobra.Command, args []string) error {
	applyConfigDefaults()

	if debugComm {
		logFlag = true
		if logOutput == "" {
			logOutput = "gdbwire,session,transfer,script"
		}
	}
	if logFile != "" {
		logFlag = true
		if logDest == "" {
			logDest = logFile
		}
		if logOutput == "" {
			logOutput = "session,transfer,script"
		}
	}
	if err := logflags.Setup(logFlag, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	params, port, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return err
	}

	if len(drivers) > maxDrivers {
		err := fmt.Errorf("the --driver argument can be used a maximum of %d times", maxDrivers)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return err
	}
	// Naming a driver implies the elevation request.
	if len(drivers) > 0 {
		priorityOn = true
	}

	dial := func() (*gdbconn.Conn, error) {
		return gdbconn.Dial(gdbconn.Config{IP: ipAddr, Port: port, MaxRecvPacket: msgSize})
	}

	conn, err := dial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not connect to the GDB server: %v\n", err)
		return err
	}

	if priorityOn {
		prio.Raise(drivers)
	}

	tr := transfer.New(conn, params)
	defer func() {
		if priorityOn {
			prio.Lower(drivers)
		}
		if detachFlag {
			tr.Conn().Detach()
		}
		tr.Conn().Close()
	}()

	if startScript != "" {
		if err := tr.RunScript(startScript); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return err
		}
	}

	if persistent {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			err := errors.New("persistent mode needs an interactive terminal")
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return err
		}
		term := terminal.New(tr, terminal.Options{
			StartScript:   startScript,
			DecodeCommand: decodeCmd,
			Reconnect:     dial,
		})
		return term.Run()
	}

	start := time.Now()
	if err := tr.Snapshot(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read data from the embedded system: %v\n", err)
		return err
	}
	fmt.Printf("Data written to %q (%.1f ms)\n", params.BinFile, float64(time.Since(start).Microseconds())/1000)

	if err := tr.RunDecode(decodeCmd); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return err
	}
	return nil
}

// applyConfigDefaults fills unset flags from the configuration file.
func applyConfigDefaults() {
	if ipAddr == "" {
		ipAddr = conf.IPAddress
	}
	if binFile == "" {
		binFile = conf.BinFile
	}
	if binFile == "" {
		binFile = "data.bin"
	}
	if filterNames == "" {
		filterNames = conf.FilterNames
	}
	if decodeCmd == "" {
		decodeCmd = conf.DecodeCommand
	}
	if msgSize == 0 {
		msgSize = conf.MsgSize
	}
	if len(drivers) == 0 {
		drivers = conf.Drivers
	}
}

// parseArgs validates PORT ADDR SIZE and assembles the transfer
// parameters.
func parseArgs(args []string) (*transfer.Params, uint16, error) {
	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("incorrect GDB port number parameter: %q", args[0])
	}

	addr, err := parseHex(args[1])
	if err != nil {
		return nil, 0, fmt.Errorf("incorrect data structure address parameter: %q", args[1])
	}
	if addr%4 != 0 {
		return nil, 0, errors.New("the address parameter must be divisible by 4 (32-bit word aligned)")
	}

	size, err := parseHex(args[2])
	if err != nil {
		return nil, 0, fmt.Errorf("incorrect data structure size parameter: %q", args[2])
	}
	if size%4 != 0 || (size != 0 && size < rtedbg.MinTotalSize) {
		return nil, 0, fmt.Errorf("the size parameter must be divisible by 4 and at least %d (0 = use the header value)", rtedbg.MinTotalSize)
	}

	params := &transfer.Params{
		StartAddress: addr,
		Size:         size,
		Delay:        time.Duration(delayMs) * time.Millisecond,
		BinFile:      binFile,
		ClearBuffer:  clearBuffer,
		FilterNames:  filterNames,
	}

	if filterStr != "" {
		filter, err := transfer.ParseFilter(filterStr)
		if err != nil {
			return nil, 0, err
		}
		params.Filter = filter
		params.SetFilter = true
	}

	return params, uint16(port), nil
}

func parseHex(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}
