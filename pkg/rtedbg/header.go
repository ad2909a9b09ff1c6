// Package rtedbg models the data-logging structure that the embedded
// firmware keeps in RAM: a fixed 24-byte header followed by a circular
// buffer of 32-bit words. The layout must match the firmware library
// bit for bit, since the structure is transferred in binary form.
package rtedbg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the structure header in bytes.
	HeaderSize = 24

	// MinTotalSize and MaxTotalSize bound the whole structure (header
	// plus circular buffer) in bytes.
	MinTotalSize = 64 + 16
	MaxTotalSize = 2100000
)

// Byte offsets of the header words within the structure.
const (
	OffLastIndex  = 0
	OffFilter     = 4
	OffRteCfg     = 8
	OffTstampFreq = 12
	OffFilterCopy = 16
	OffBufferSize = 20
)

var (
	// ErrInvalidHeader reports a header whose size field or reserved
	// bits are wrong: bad structure address, or firmware init not run.
	ErrInvalidHeader = errors.New("invalid structure header")
	// ErrSizeOutOfRange reports a structure size outside
	// [MinTotalSize, MaxTotalSize].
	ErrSizeOutOfRange = errors.New("structure size out of range")
)

// Header is the host-side image of the structure header.
type Header struct {
	LastIndex  uint32 // write cursor into the circular buffer, in words
	Filter     uint32 // message-group enable mask; zero disables logging
	RteCfg     uint32 // packed configuration word
	TstampFreq uint32 // timestamp counter frequency [Hz]
	FilterCopy uint32 // last non-zero filter before a firmware-side disable
	BufferSize uint32 // circular buffer length, in words
}

// DecodeHeader decodes the little-endian header image.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(data))
	}
	return Header{
		LastIndex:  binary.LittleEndian.Uint32(data[OffLastIndex:]),
		Filter:     binary.LittleEndian.Uint32(data[OffFilter:]),
		RteCfg:     binary.LittleEndian.Uint32(data[OffRteCfg:]),
		TstampFreq: binary.LittleEndian.Uint32(data[OffTstampFreq:]),
		FilterCopy: binary.LittleEndian.Uint32(data[OffFilterCopy:]),
		BufferSize: binary.LittleEndian.Uint32(data[OffBufferSize:]),
	}, nil
}

// Encode writes the little-endian header image into data.
func (h Header) Encode(data []byte) {
	binary.LittleEndian.PutUint32(data[OffLastIndex:], h.LastIndex)
	binary.LittleEndian.PutUint32(data[OffFilter:], h.Filter)
	binary.LittleEndian.PutUint32(data[OffRteCfg:], h.RteCfg)
	binary.LittleEndian.PutUint32(data[OffTstampFreq:], h.TstampFreq)
	binary.LittleEndian.PutUint32(data[OffFilterCopy:], h.FilterCopy)
	binary.LittleEndian.PutUint32(data[OffBufferSize:], h.BufferSize)
}

// Bytes returns the encoded header image.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	return buf
}

// Configuration word accessors. Bit layout:
//
//	bit  0      single shot logging active
//	bit  1      message filtering enabled
//	bit  2      firmware may switch the filter off
//	bit  3      single shot logging compiled in
//	bit  4      long timestamps
//	bits 5-7    reserved (must be 0)
//	bits 8-11   timestamp shift (stored value + 1)
//	bits 12-14  format ID bits
//	bit  15     reserved (must be 0)
//	bits 16-23  max subpackets (0 means 256)
//	bits 24-30  header size in 32-bit words
//	bit  31     buffer size is a power of two

func (h Header) SingleShotActive() bool  { return h.RteCfg&1 != 0 }
func (h Header) FilteringEnabled() bool  { return h.RteCfg>>1&1 != 0 }
func (h Header) FilterOffAllowed() bool  { return h.RteCfg>>2&1 != 0 }
func (h Header) SingleShotEnabled() bool { return h.RteCfg>>3&1 != 0 }
func (h Header) LongTimestamps() bool    { return h.RteCfg>>4&1 != 0 }
func (h Header) TimestampShift() uint32  { return (h.RteCfg>>8&0x0f) + 1 }
func (h Header) FmtIDBits() uint32       { return h.RteCfg >> 12 & 0x07 }
func (h Header) HeaderWords() uint32     { return h.RteCfg >> 24 & 0x7f }
func (h Header) BufferPowerOfTwo() bool  { return h.RteCfg>>31&1 != 0 }

func (h Header) MaxSubpackets() uint32 {
	if n := h.RteCfg >> 16 & 0xff; n != 0 {
		return n
	}
	return 256
}

func (h Header) reservedBits() uint32 {
	return h.RteCfg >> 5 & 0x07
}

func (h Header) reserved2() uint32 {
	return h.RteCfg >> 15 & 0x01
}

// SetSingleShot sets or clears the single-shot-active bit.
func (h *Header) SetSingleShot(on bool) {
	if on {
		h.RteCfg |= 1
	} else {
		h.RteCfg &^= 1
	}
}

// Validate checks the header fields that a correctly initialized target
// always satisfies. A failure means the structure address is wrong or
// the firmware has not initialized the structure yet.
func (h Header) Validate() error {
	if h.HeaderWords()*4 != HeaderSize {
		return fmt.Errorf("%w: header size %d words", ErrInvalidHeader, h.HeaderWords())
	}
	if h.reservedBits() != 0 || h.reserved2() != 0 {
		return fmt.Errorf("%w: reserved bits set", ErrInvalidHeader)
	}
	return nil
}

// TotalSize returns the byte size of the whole structure described by
// the header.
func (h Header) TotalSize() uint32 {
	return HeaderSize + h.BufferSize*4
}

// CheckTotalSize validates a structure size in bytes against the
// allowed range.
func CheckTotalSize(size uint32) error {
	if size < MinTotalSize || size > MaxTotalSize {
		return fmt.Errorf("%w: %d bytes not in [%d, %d]", ErrSizeOutOfRange, size, MinTotalSize, MaxTotalSize)
	}
	return nil
}

// TimestampMHz returns the effective timestamp frequency in MHz after
// the configured shift is applied.
func (h Header) TimestampMHz() float64 {
	return float64(h.TstampFreq) / 1e6 / float64(uint64(1)<<h.TimestampShift())
}
