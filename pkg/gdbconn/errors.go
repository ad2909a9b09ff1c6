package gdbconn

import (
	"errors"
	"fmt"
)

var (
	// ErrRecvTimeout is returned when the server does not produce a
	// complete reply frame within the per-request budget.
	ErrRecvTimeout = errors.New("timeout waiting for reply")
	// ErrSendTimeout is returned when the send deadline expires before
	// any byte could be written.
	ErrSendTimeout = errors.New("timeout sending packet")
	// ErrPartialSend is returned when only part of a packet could be
	// written before the send deadline expired.
	ErrPartialSend = errors.New("packet not sent completely")
	// ErrConnectionClosed is returned when the server closes the
	// connection gracefully.
	ErrConnectionClosed = errors.New("connection to the GDB server closed")
	// ErrBadFormat is returned for a malformed frame ('$' or '#'
	// missing, or bad hex where hex is required).
	ErrBadFormat = errors.New("bad message format")
	// ErrBadChecksum is returned when a frame checksum does not match
	// its payload and resending is not possible.
	ErrBadChecksum = errors.New("bad message checksum")
	// ErrBadResponse is returned for a well-formed reply that does not
	// answer the request that was sent.
	ErrBadResponse = errors.New("bad response")
	// ErrBadInput is returned for invalid arguments (empty buffer,
	// oversize command).
	ErrBadInput = errors.New("invalid input data")
	// ErrUnsupportedServer is returned when the server does not
	// advertise QStartNoAckMode+.
	ErrUnsupportedServer = errors.New("GDB server does not support QStartNoAckMode")
	// ErrOversizeFrame is returned when the server sends a frame larger
	// than the 65535-byte receive bound.
	ErrOversizeFrame = errors.New("reply frame exceeds receive buffer bound")
	// ErrTooManyAttempts is returned when resend requests keep failing
	// in ack mode.
	ErrTooManyAttempts = errors.New("too many transmit attempts")
)

// ProtocolError is an error reply ($Exx or $E.text) from the GDB
// server.
type ProtocolError struct {
	Cmd  string // the command the reply was for, possibly truncated
	Code int    // numeric error code, -1 when the server sent text
	Text string // textual message, empty for numeric errors
}

func (err *ProtocolError) Error() string {
	cmd := err.Cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.Code >= 0 {
		return fmt.Sprintf("GDB server reported error %02x for packet %q", err.Code, cmd)
	}
	return fmt.Sprintf("GDB server reported error %q for packet %q", err.Text, cmd)
}
