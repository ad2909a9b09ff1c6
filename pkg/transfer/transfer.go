// Package transfer implements the host-side operations against the
// embedded data-logging structure: pausing and restoring the message
// filter, loading and validating the header, reading the structure into
// a host file, resetting the circular buffer, switching logging modes
// and initializing an uninitialized target.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rtedbg/rtegdb/pkg/gdbconn"
	"github.com/rtedbg/rtegdb/pkg/logflags"
	"github.com/rtedbg/rtegdb/pkg/rtedbg"
)

// ErrFilterReenabled reports that the firmware re-enabled the message
// filter while the transfer was running; the data read from the target
// may be torn.
var ErrFilterReenabled = errors.New("message filter re-enabled by the firmware during the transfer")

// Params are the user-supplied transfer options.
type Params struct {
	StartAddress uint32 // address of the logging structure on the target
	Size         uint32 // structure size in bytes; 0 reads it from the header

	Filter    uint32 // filter value to set after the transfer
	SetFilter bool   // set Filter instead of restoring the old value

	Delay       time.Duration // wait between pause and bulk read
	BinFile     string        // snapshot output file
	ClearBuffer bool          // overwrite the circular buffer after the transfer
	FilterNames string        // file with one filter name per bit
}

// Transfer drives the logging structure on the target through a
// gdbconn.Conn. Not safe for concurrent use; the protocol allows only
// one outstanding request.
type Transfer struct {
	conn   *gdbconn.Conn
	params *Params

	header    rtedbg.Header
	oldFilter uint32 // filter value read before the last pause
	mirror    []byte // host copy of the whole structure

	out io.Writer
	log *logrus.Entry
}

// New creates a Transfer operating on conn with the given parameters.
func New(conn *gdbconn.Conn, params *Params) *Transfer {
	return &Transfer{
		conn:   conn,
		params: params,
		out:    os.Stdout,
		log:    logflags.TransferLogger(),
	}
}

// SetOutput redirects user-facing messages, used by the interactive
// loop and by tests.
func (t *Transfer) SetOutput(w io.Writer) { t.out = w }

// Conn returns the underlying connection.
func (t *Transfer) Conn() *gdbconn.Conn { return t.conn }

// SetConn swaps the underlying connection, used when the interactive
// loop reconnects to the GDB server.
func (t *Transfer) SetConn(conn *gdbconn.Conn) { t.conn = conn }

// Header returns the most recently loaded header.
func (t *Transfer) Header() rtedbg.Header { return t.header }

// Params returns the transfer parameters.
func (t *Transfer) Params() *Params { return t.params }

func (t *Transfer) filterAddr() uint32 { return t.params.StartAddress + rtedbg.OffFilter }
func (t *Transfer) cfgAddr() uint32    { return t.params.StartAddress + rtedbg.OffRteCfg }

func (t *Transfer) readFilter() (uint32, error) {
	var buf [4]byte
	if err := t.conn.ReadMemory(buf[:], t.filterAddr()); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (t *Transfer) writeWord(addr, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return t.conn.WriteMemory(addr, buf[:])
}

// PauseLogging disables logging by zeroing the message filter word.
func (t *Transfer) PauseLogging() error {
	return t.writeWord(t.filterAddr(), 0)
}

// LoadHeader reads the structure header from the target and adjusts the
// transfer size and the mirror buffer when the size is automatic or has
// changed.
func (t *Transfer) LoadHeader() error {
	buf := make([]byte, rtedbg.HeaderSize)
	if err := t.conn.ReadMemory(buf, t.params.StartAddress); err != nil {
		return err
	}
	hdr, err := rtedbg.DecodeHeader(buf)
	if err != nil {
		return err
	}
	t.header = hdr

	newSize := hdr.TotalSize()
	if t.params.Size == 0 || newSize != t.params.Size {
		if err := rtedbg.CheckTotalSize(newSize); err != nil {
			return fmt.Errorf("%w (wrong structure address, or the firmware has not initialized logging yet)", err)
		}
		if t.params.Size != 0 {
			t.log.Debugf("structure size changed to %d bytes", newSize)
		}
		t.params.Size = newSize
		t.mirror = nil
	}
	if t.mirror == nil {
		t.mirror = make([]byte, t.params.Size)
	}
	return nil
}

// ValidateHeader checks the loaded header for the marks of an
// initialized target.
func (t *Transfer) ValidateHeader() error {
	return t.header.Validate()
}

// CheckFilterStillZero verifies that the filter kept the zero value it
// was paused with. A non-zero value means the firmware interfered while
// the buffer was being read.
func (t *Transfer) CheckFilterStillZero() error {
	filter, err := t.readFilter()
	if err != nil {
		return err
	}
	if filter != 0 {
		fmt.Fprintf(t.out, "\nError: the message filter was zeroed for the transfer but reads 0x%08X now.\n"+
			"The firmware re-enabled logging during the read; the transferred data may be partially corrupt.\n", filter)
		return ErrFilterReenabled
	}
	return nil
}

// RestoreFilter writes the post-transfer filter value chosen by
// precedence: an explicit user value, the firmware's filter_copy when
// the firmware itself had switched logging off, or the value observed
// before the pause.
func (t *Transfer) RestoreFilter() error {
	value := t.oldFilter
	if value == 0 && t.header.FilterOffAllowed() {
		value = t.header.FilterCopy
	}
	if t.params.SetFilter {
		value = t.params.Filter
	}
	return t.writeWord(t.filterAddr(), value)
}

// singleShotActive reports whether single-shot logging is both compiled
// in and currently active.
func (t *Transfer) singleShotActive() bool {
	return t.header.SingleShotActive() && t.header.SingleShotEnabled()
}

// ResetCircularBuffer clears the buffer contents when the user asked
// for it, and rewinds the write index when either the buffer was
// cleared or single-shot logging has to restart from the beginning.
func (t *Transfer) ResetCircularBuffer() error {
	if t.params.ClearBuffer {
		size := t.params.Size - rtedbg.HeaderSize
		fill := make([]byte, size)
		for i := range fill {
			fill[i] = 0xff
		}
		if logflags.Transfer() {
			t.log.Debugf("clearing the circular buffer (%d bytes)", size)
		}
		start := time.Now()
		if err := t.conn.WriteMemory(t.params.StartAddress+rtedbg.HeaderSize, fill); err != nil {
			return err
		}
		t.log.Debugf("buffer cleared, %.0f kB/s", float64(size)/msSince(start))
	}

	if t.params.ClearBuffer || t.singleShotActive() {
		// Restart logging at the start of the circular buffer.
		return t.writeWord(t.params.StartAddress+rtedbg.OffLastIndex, 0)
	}
	return nil
}

// Snapshot runs the full transfer sequence: pause logging, read the
// structure, verify the filter stayed down, reset the buffer, restore
// the filter and write the image to the output file. The persisted
// image carries the pre-pause filter value so consumers see logging as
// it was. On a mid-sequence failure the filter is restored best-effort
// before the error is returned.
func (t *Transfer) Snapshot() error {
	t.conn.Drain()

	oldFilter, err := t.readFilter()
	if err != nil {
		return err
	}
	t.oldFilter = oldFilter

	if oldFilter != 0 {
		if err := t.PauseLogging(); err != nil {
			return err
		}
	}

	if err := t.snapshotPaused(); err != nil {
		// Logging must not stay disabled because the transfer failed.
		if rerr := t.RestoreFilter(); rerr != nil {
			t.log.Debugf("could not restore the message filter: %v", rerr)
		}
		return err
	}

	if err := t.RestoreFilter(); err != nil {
		return err
	}

	return t.saveMirror()
}

// snapshotPaused is the part of the snapshot sequence that runs with
// logging paused and wants the filter restored when it fails.
func (t *Transfer) snapshotPaused() error {
	if err := t.LoadHeader(); err != nil {
		return err
	}
	if err := t.ValidateHeader(); err != nil {
		return err
	}

	if t.params.Delay > 0 {
		// Let lower-priority target tasks finish writes that were in
		// flight when the filter went down.
		t.log.Debugf("delay %v before the bulk read", t.params.Delay)
		time.Sleep(t.params.Delay)
	}

	start := time.Now()
	if err := t.conn.ReadMemory(t.mirror, t.params.StartAddress); err != nil {
		return err
	}
	t.log.Debugf("structure read: %d bytes, %.0f kB/s", len(t.mirror), float64(len(t.mirror))/msSince(start))

	// The pause is skipped when the filter was already zero; if a
	// firmware trigger raised it between the read and this check the
	// transfer is reported as torn even though we never paused.
	if err := t.CheckFilterStillZero(); err != nil {
		return err
	}

	return t.ResetCircularBuffer()
}

// saveMirror writes the structure image to the output file with the
// filter word rewound to its pre-pause value.
func (t *Transfer) saveMirror() error {
	image := make([]byte, len(t.mirror))
	copy(image, t.mirror)
	binary.LittleEndian.PutUint32(image[rtedbg.OffFilter:], t.oldFilter)

	if err := os.WriteFile(t.params.BinFile, image, 0o666); err != nil {
		return fmt.Errorf("could not write %q: %w", t.params.BinFile, err)
	}
	t.log.Debugf("data written to %q", t.params.BinFile)
	return nil
}

// SwitchToSingleShot enables single-shot logging and restarts it from
// an empty buffer. The mode must be compiled into the firmware.
func (t *Transfer) SwitchToSingleShot() error {
	if err := t.LoadHeader(); err != nil {
		return err
	}
	if !t.header.SingleShotEnabled() {
		return errors.New("single shot logging not enabled in the firmware")
	}

	oldFilter, err := t.readFilter()
	if err != nil {
		return err
	}
	t.oldFilter = oldFilter

	if err := t.PauseLogging(); err != nil {
		return err
	}
	t.header.SetSingleShot(true)
	if err := t.writeWord(t.cfgAddr(), t.header.RteCfg); err != nil {
		return err
	}
	if err := t.ResetCircularBuffer(); err != nil {
		return err
	}
	return t.RestoreFilter()
}

// SwitchToPostMortem switches back to continuous post-mortem logging
// and restarts it.
func (t *Transfer) SwitchToPostMortem() error {
	if err := t.LoadHeader(); err != nil {
		return err
	}

	oldFilter, err := t.readFilter()
	if err != nil {
		return err
	}
	t.oldFilter = oldFilter

	if err := t.PauseLogging(); err != nil {
		return err
	}
	if t.header.SingleShotActive() {
		t.header.SetSingleShot(false)
		if err := t.writeWord(t.cfgAddr(), t.header.RteCfg); err != nil {
			return err
		}
	}
	if err := t.ResetCircularBuffer(); err != nil {
		return err
	}
	return t.RestoreFilter()
}

// InitializeStructure writes a fresh header and an erased buffer to the
// target. Meant for firmware that omits its own init routine on
// resource-constrained systems. The structure size must have been given
// on the command line.
func (t *Transfer) InitializeStructure(cfgWord, tstampFreq uint32) error {
	if tstampFreq == 0 {
		return errors.New("the timestamp frequency must not be zero")
	}
	if t.params.Size == 0 {
		return errors.New("the size command line argument must not be zero")
	}

	hdr := rtedbg.Header{
		LastIndex:  0,
		Filter:     0,
		RteCfg:     cfgWord,
		TstampFreq: tstampFreq,
		FilterCopy: t.params.Filter,
		BufferSize: (t.params.Size - rtedbg.HeaderSize) / 4,
	}

	// Logging stays disabled while the structure is rebuilt.
	if err := t.PauseLogging(); err != nil {
		return err
	}
	if err := t.conn.WriteMemory(t.params.StartAddress, hdr.Bytes()); err != nil {
		return err
	}
	t.header = hdr
	if t.mirror == nil || uint32(len(t.mirror)) != t.params.Size {
		t.mirror = make([]byte, t.params.Size)
	}

	fill := make([]byte, t.params.Size-rtedbg.HeaderSize)
	for i := range fill {
		fill[i] = 0xff
	}
	if err := t.conn.WriteMemory(t.params.StartAddress+rtedbg.HeaderSize, fill); err != nil {
		return err
	}

	if t.params.Filter != 0 {
		if err := t.writeWord(t.filterAddr(), t.params.Filter); err != nil {
			return err
		}
	}
	t.log.Debugf("logging structure initialized: %d words, cfg 0x%08X", hdr.BufferSize, cfgWord)
	return nil
}

// SetFilterValue parses a hex filter value, makes it the new user
// filter and writes it to the target.
func (t *Transfer) SetFilterValue(hexValue string) error {
	value, err := ParseFilter(hexValue)
	if err != nil {
		return err
	}
	t.params.Filter = value
	t.params.SetFilter = true
	if err := t.RestoreFilter(); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "\nMessage filter set to 0x%X\n", t.params.Filter)
	return nil
}

// ParseFilter parses a hex filter value, with or without the 0x
// prefix. "-1" enables all message groups.
func ParseFilter(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "-1" {
		return 0xffffffff, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	value, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad filter value %q", s)
	}
	return uint32(value), nil
}

func msSince(start time.Time) float64 {
	ms := float64(time.Since(start).Microseconds()) / 1000
	if ms <= 0 {
		ms = 0.001
	}
	return ms
}
