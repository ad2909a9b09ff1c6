// Package gdbconn implements the client side of the GDB Remote Serial
// Protocol over TCP, as spoken by debug-probe GDB servers (J-LINK,
// ST-LINK, OpenOCD): packet framing and checksums, acknowledgment
// handling, capability negotiation, and segmented memory reads and
// writes against the embedded target.
package gdbconn

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rtedbg/rtegdb/pkg/logflags"
)

const (
	// maxTCPFrame bounds the receive buffer. Frames over this size are
	// rejected, never grown into.
	maxTCPFrame = 65535

	minPacketSize     = 256
	defaultPacketSize = 4096

	recvTimeout      = 500 * time.Millisecond
	longRecvTimeout  = 2500 * time.Millisecond
	errorDataTimeout = 50 * time.Millisecond
	sendTimeout      = 50 * time.Millisecond
	drainTimeout     = time.Millisecond

	maxTransmitAttempts = 3

	maxCommandLen = 1020 // arbitrary user command, framing excluded
)

const gdbWireMaxLen = 120

// Config collects the connection options.
type Config struct {
	IP   string // GDB server IPv4 address
	Port uint16

	// MaxRecvPacket overrides the size of reply frames requested from
	// the server. Zero keeps the server's PacketSize. Non-zero values
	// must lie within [256, 65535].
	MaxRecvPacket int
}

// Conn is a connection to a GDB server. It owns the socket and all the
// per-session protocol state; methods must be called from one goroutine
// at a time.
type Conn struct {
	conn net.Conn
	rdr  *bufio.Reader

	rawbuf []byte // raw frame assembly, bounded by maxTCPFrame
	inbuf  []byte // decoded payload of the last received frame
	outbuf bytes.Buffer

	ack           bool // acknowledgment packets enabled until QStartNoAckMode succeeds
	maxSendPacket int  // maximum frame the server accepts, bytes
	maxRecvPacket int  // maximum frame we accept, bytes
	maxMemoRead   int  // per-'m' data bytes, derived from maxRecvPacket
	maxMemoWrite  int  // per-'M' data bytes, derived from maxSendPacket

	log *logrus.Entry
}

// Dial connects to the GDB server, drains any greeting bytes, verifies
// the capabilities this client depends on and switches the session to
// no-ack mode.
func Dial(cfg Config) (*Conn, error) {
	if cfg.MaxRecvPacket != 0 && (cfg.MaxRecvPacket < minPacketSize || cfg.MaxRecvPacket > maxTCPFrame) {
		return nil, fmt.Errorf("%w: receive packet size %d outside [%d, %d]", ErrBadInput, cfg.MaxRecvPacket, minPacketSize, maxTCPFrame)
	}
	ip := cfg.IP
	if ip == "" {
		ip = "127.0.0.1"
	}
	sock, err := net.DialTimeout("tcp4", net.JoinHostPort(ip, strconv.Itoa(int(cfg.Port))), longRecvTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect to the GDB server: %w", err)
	}
	conn := &Conn{
		conn:   sock,
		rdr:    bufio.NewReader(sock),
		rawbuf: make([]byte, 0, minPacketSize),
		ack:    true,
		log:    logflags.GdbWireLogger(),
	}
	if err := conn.handshake(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (conn *Conn) handshake(cfg Config) error {
	// Some servers greet the fresh connection with a stray ack or a
	// pending stop reply from an earlier session. Give the greeting a
	// moment to arrive before the first request goes out.
	conn.drainFor(sendTimeout)

	if err := conn.queryCapabilities(cfg.MaxRecvPacket); err != nil {
		return err
	}
	return conn.requestNoAckMode()
}

// queryCapabilities sends qSupported and configures the packet sizes
// from the reply. The server must advertise QStartNoAckMode+.
func (conn *Conn) queryCapabilities(recvOverride int) error {
	resp, err := conn.exec([]byte("qSupported"), "capability query", longRecvTimeout)
	if err != nil {
		return err
	}

	conn.maxSendPacket = defaultPacketSize
	noAck := false
	for _, feature := range strings.Split(string(resp), ";") {
		if feature == "QStartNoAckMode+" {
			noAck = true
			continue
		}
		if strings.HasPrefix(feature, "PacketSize=") {
			if n, err := strconv.ParseInt(feature[len("PacketSize="):], 16, 64); err == nil {
				conn.maxSendPacket = int(n)
			}
		}
	}
	if !noAck {
		return ErrUnsupportedServer
	}

	if conn.maxSendPacket > maxTCPFrame {
		conn.maxSendPacket = maxTCPFrame
	}
	if conn.maxSendPacket < minPacketSize {
		conn.maxSendPacket = minPacketSize
	}
	conn.maxRecvPacket = conn.maxSendPacket
	if recvOverride != 0 {
		conn.maxRecvPacket = recvOverride
	}

	// Data sizes per memory packet, aligned to 4 because some probes
	// transfer unaligned lengths more slowly. A read reply is
	// '$' + 2 hex digits per byte + '#cc'; a write request additionally
	// carries the 'Mxxxxxxxx,xxxx:' preamble.
	conn.maxMemoRead = (conn.maxRecvPacket - 4) / 8 * 4
	conn.maxMemoWrite = (conn.maxSendPacket - 16 - 4) / 8 * 4
	return nil
}

// requestNoAckMode sends QStartNoAckMode and stops generating acks once
// the server confirms.
func (conn *Conn) requestNoAckMode() error {
	resp, err := conn.exec([]byte("QStartNoAckMode"), "no-ack request", 0)
	if err != nil {
		return err
	}
	if !bytes.Equal(resp, []byte("OK")) {
		return fmt.Errorf("%w: NoAck mode not confirmed, received %q", ErrBadResponse, resp)
	}
	conn.ack = false
	conn.Drain()
	return nil
}

// MaxMemoRead returns the data bytes transferred per 'm' packet.
func (conn *Conn) MaxMemoRead() int { return conn.maxMemoRead }

// MaxMemoWrite returns the data bytes transferred per 'M' packet.
func (conn *Conn) MaxMemoWrite() int { return conn.maxMemoWrite }

// MaxSendPacket returns the negotiated server-side frame size.
func (conn *Conn) MaxSendPacket() int { return conn.maxSendPacket }

// Detach sends the 'D' command. The reply is read and ignored; we are
// disconnecting either way.
func (conn *Conn) Detach() {
	if conn.conn == nil {
		return
	}
	if err := conn.send([]byte("D")); err != nil {
		return
	}
	conn.recvFrame("detach", recvTimeout)
}

// Close closes the socket. It is safe to call more than once.
func (conn *Conn) Close() error {
	if conn.conn == nil {
		return nil
	}
	err := conn.conn.Close()
	conn.conn = nil
	return err
}

// Drain reads and discards everything the server has already sent:
// stray acks and unsolicited frames such as stop replies after a reset
// or breakpoint. Unsolicited frames are logged, never interpreted.
func (conn *Conn) Drain() {
	conn.drainFor(drainTimeout)
}

func (conn *Conn) drainFor(first time.Duration) {
	if conn.conn == nil {
		return
	}
	scratch := make([]byte, minPacketSize)
	wait := first
	for {
		conn.conn.SetReadDeadline(time.Now().Add(wait))
		wait = drainTimeout
		n, err := conn.rdr.Read(scratch)
		if n > 0 {
			conn.log.Debugf("-> unsolicited %q", string(scratch[:n]))
		}
		if err != nil || n == 0 {
			break
		}
	}
	conn.conn.SetReadDeadline(time.Time{})
}

// send frames payload and writes it to the socket, honoring the send
// deadline. In ack mode it waits for the '+' acknowledgment and
// retransmits on '-'.
func (conn *Conn) send(payload []byte) error {
	conn.outbuf.Reset()
	conn.outbuf.Write(encodeFrame(nil, payload))
	packet := conn.outbuf.Bytes()

	for attempt := 0; ; attempt++ {
		if logflags.GdbWire() {
			if len(packet) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(packet[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(packet))
			}
		}
		conn.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
		n, err := conn.conn.Write(packet)
		conn.conn.SetWriteDeadline(time.Time{})
		if err != nil {
			if n > 0 {
				return fmt.Errorf("%w: %d of %d bytes", ErrPartialSend, n, len(packet))
			}
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				return ErrSendTimeout
			}
			return fmt.Errorf("send: %w", err)
		}

		if !conn.ack {
			return nil
		}
		if conn.readack() {
			return nil
		}
		if attempt >= maxTransmitAttempts {
			return ErrTooManyAttempts
		}
	}
}

// readack consumes one byte and reports whether it was the '+'
// acknowledgment. A closed connection or timeout counts as a failed
// ack.
func (conn *Conn) readack() bool {
	conn.conn.SetReadDeadline(time.Now().Add(longRecvTimeout))
	defer conn.conn.SetReadDeadline(time.Time{})
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

func (conn *Conn) sendack(c byte) {
	conn.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	conn.conn.Write([]byte{c})
	conn.conn.SetWriteDeadline(time.Time{})
	conn.log.Debugf("<- %s", string(c))
}

// recvFrame reads one complete frame within the timeout budget and
// returns the decoded payload ('}' escapes expanded, run-length
// repetitions unrolled, checksum verified). Stray '+'/'-' bytes before
// the frame are consumed as leftover acknowledgments. A zero timeout
// means the 500 ms default.
func (conn *Conn) recvFrame(context string, timeout time.Duration) ([]byte, error) {
	if timeout == 0 {
		timeout = recvTimeout
	}
	deadline := time.Now().Add(timeout)

	for attempt := 0; ; attempt++ {
		raw, err := conn.readRawFrame(deadline)
		if err != nil {
			return nil, fmt.Errorf("%w during %s", err, context)
		}

		sum := checksum(raw)
		want, cerr := decodeHexByte(raw[len(raw)-2], raw[len(raw)-1])
		if cerr == nil && sum == want {
			if conn.ack {
				conn.sendack('+')
			}
			conn.inbuf = wiredecode(raw[1:len(raw)-3], conn.inbuf)
			return conn.inbuf, nil
		}

		if logflags.GdbWire() {
			conn.log.Debugf("-> bad checksum %02x (want %02x) during %s", sum, want, context)
		}
		if !conn.ack {
			return nil, fmt.Errorf("%w during %s", ErrBadChecksum, context)
		}
		if attempt >= maxTransmitAttempts {
			conn.sendack('+')
			return nil, fmt.Errorf("%w during %s", ErrTooManyAttempts, context)
		}
		conn.sendack('-')
	}
}

// readRawFrame assembles '$'...'#'cc from the stream, byte by byte. The
// returned slice includes the framing. '#' inside the payload only
// terminates the frame when it is not escaped.
func (conn *Conn) readRawFrame(deadline time.Time) ([]byte, error) {
	buf := conn.rawbuf[:0]
	started := false
	escaped := false
	hashAt := -1

	conn.conn.SetReadDeadline(deadline)
	defer conn.conn.SetReadDeadline(time.Time{})

	for {
		b, err := conn.rdr.ReadByte()
		if err != nil {
			conn.logPartial(buf)
			return nil, classifyReadError(err)
		}

		if !started {
			switch b {
			case '$':
				started = true
				buf = append(buf, b)
			case '+', '-':
				// leftover acknowledgment
				conn.log.Debugf("-> %s", string(b))
			default:
				return nil, fmt.Errorf("%w: '$' not found, got %q", ErrBadFormat, b)
			}
			continue
		}

		if len(buf) >= maxTCPFrame {
			return nil, ErrOversizeFrame
		}
		buf = append(buf, b)

		switch {
		case hashAt >= 0:
			if len(buf) == hashAt+3 {
				if logflags.GdbWire() {
					conn.logFrame(buf)
				}
				conn.rawbuf = buf
				return buf, nil
			}
		case escaped:
			escaped = false
		case b == '}':
			escaped = true
		case b == '#':
			hashAt = len(buf) - 1
		}
	}
}

func (conn *Conn) logFrame(buf []byte) {
	if len(buf) > gdbWireMaxLen {
		conn.log.Debugf("-> %s...", string(buf[:gdbWireMaxLen]))
	} else {
		conn.log.Debugf("-> %s", string(buf))
	}
}

func (conn *Conn) logPartial(buf []byte) {
	if len(buf) > 0 && logflags.GdbWire() {
		conn.logFrame(buf)
	}
}

func classifyReadError(err error) error {
	var neterr net.Error
	switch {
	case errors.As(err, &neterr) && neterr.Timeout():
		return ErrRecvTimeout
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrRecvTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return ErrConnectionClosed
	default:
		return err
	}
}

// exec sends a command payload and reads the reply. Error replies
// ($Exx / $E.text) become *ProtocolError.
func (conn *Conn) exec(cmd []byte, context string, timeout time.Duration) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	resp, err := conn.recvFrame(context, timeout)
	if err != nil {
		return nil, err
	}
	if err := parseErrorReply(string(cmd), resp); err != nil {
		return nil, err
	}
	return resp, nil
}
