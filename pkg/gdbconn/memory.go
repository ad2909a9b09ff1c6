package gdbconn

import (
	"fmt"
	"time"

	"github.com/rtedbg/rtegdb/pkg/logflags"
)

// ReadMemory reads len(data) bytes from addr on the target into data,
// split into 'm' packets of at most MaxMemoRead bytes each.
func (conn *Conn) ReadMemory(data []byte, addr uint32) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: zero length memory read", ErrBadInput)
	}

	start := time.Now()
	if logflags.GdbWire() {
		conn.log.Debugf("reading %d bytes from address 0x%08X", len(data), addr)
	}

	read := 0
	for read < len(data) {
		sz := len(data) - read
		if sz > conn.maxMemoRead {
			sz = conn.maxMemoRead
		}
		if err := conn.readMemoryPacket(data[read:read+sz], addr+uint32(read)); err != nil {
			return err
		}
		read += sz
	}

	if logflags.GdbWire() {
		conn.log.Debugf("read %d bytes in %.1f ms", len(data), float64(time.Since(start).Microseconds())/1000)
	}
	return nil
}

// readMemoryPacket transfers one 'm' packet. The reply must carry
// exactly two hex digits per requested byte.
func (conn *Conn) readMemoryPacket(out []byte, addr uint32) error {
	if len(out)*2+4 > maxTCPFrame {
		return fmt.Errorf("%w: memory read packet too large", ErrBadInput)
	}

	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "m%08x,%02x", addr, len(out))
	cmd := append([]byte(nil), conn.outbuf.Bytes()...)

	resp, err := conn.exec(cmd, "memory read", 0)
	if err != nil {
		return err
	}
	if len(resp) != 2*len(out) {
		return fmt.Errorf("%w: expected %d hex digits, got %d", ErrBadResponse, 2*len(out), len(resp))
	}
	for i := 0; i < len(out); i++ {
		b, err := decodeHexByte(resp[2*i], resp[2*i+1])
		if err != nil {
			return fmt.Errorf("%w: memory read reply is not hex", ErrBadFormat)
		}
		out[i] = b
	}
	return nil
}

// WriteMemory writes data to addr on the target, split into 'M' packets
// of at most MaxMemoWrite bytes each.
func (conn *Conn) WriteMemory(addr uint32, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: zero length memory write", ErrBadInput)
	}

	start := time.Now()
	if logflags.GdbWire() {
		conn.log.Debugf("writing %d bytes to address 0x%08X", len(data), addr)
	}

	written := 0
	for written < len(data) {
		sz := len(data) - written
		if sz > conn.maxMemoWrite {
			sz = conn.maxMemoWrite
		}
		if err := conn.writeMemoryPacket(addr+uint32(written), data[written:written+sz]); err != nil {
			return err
		}
		written += sz
	}

	if logflags.GdbWire() {
		conn.log.Debugf("wrote %d bytes in %.1f ms", len(data), float64(time.Since(start).Microseconds())/1000)
	}
	return nil
}

// writeMemoryPacket transfers one 'M' packet and checks for the OK
// reply.
func (conn *Conn) writeMemoryPacket(addr uint32, data []byte) error {
	if len(data)*2+16+4 > maxTCPFrame {
		return fmt.Errorf("%w: memory write packet too large", ErrBadInput)
	}

	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "M%08X,%04X:", addr, len(data))
	for _, b := range data {
		conn.outbuf.WriteByte(hexdigitUpper[b>>4])
		conn.outbuf.WriteByte(hexdigitUpper[b&0xf])
	}
	cmd := append([]byte(nil), conn.outbuf.Bytes()...)

	resp, err := conn.exec(cmd, "memory write", 0)
	if err != nil {
		return err
	}
	if string(resp) != "OK" {
		return fmt.Errorf("%w: %q", ErrBadResponse, resp)
	}
	return nil
}

var hexdigitUpper = []byte("0123456789ABCDEF")
