package rtedbg

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		LastIndex:  100,
		Filter:     0x0f,
		RteCfg:     6<<24 | 1<<1,
		TstampFreq: 48000000,
		FilterCopy: 0x55,
		BufferSize: 2048,
	}
	got, err := DecodeHeader(h.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestDecodeHeaderLayout(t *testing.T) {
	raw := []byte{
		100, 0, 0, 0, // last_index
		0x0f, 0, 0, 0, // filter
		0, 0, 0, 6, // rte_cfg: header size 6 words
		0x00, 0x6c, 0xdc, 0x02, // timestamp frequency 48 MHz
		0x55, 0, 0, 0, // filter_copy
		0, 8, 0, 0, // buffer_size 2048 words
	}
	h, err := DecodeHeader(raw)
	if err != nil {
		t.Fatal(err)
	}
	if h.LastIndex != 100 || h.Filter != 0x0f || h.FilterCopy != 0x55 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.HeaderWords() != 6 || h.BufferSize != 2048 {
		t.Fatalf("unexpected header geometry: %+v", h)
	}
	if h.TstampFreq != 48000000 {
		t.Fatalf("timestamp frequency: got %d", h.TstampFreq)
	}
	if h.TotalSize() != HeaderSize+2048*4 {
		t.Fatalf("total size: got %d", h.TotalSize())
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestCfgBits(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cfg   uint32
		check func(h Header) bool
	}{
		{"single-shot-active", 1 << 0, func(h Header) bool { return h.SingleShotActive() }},
		{"filtering-enabled", 1 << 1, func(h Header) bool { return h.FilteringEnabled() }},
		{"filter-off-allowed", 1 << 2, func(h Header) bool { return h.FilterOffAllowed() }},
		{"single-shot-enabled", 1 << 3, func(h Header) bool { return h.SingleShotEnabled() }},
		{"long-timestamps", 1 << 4, func(h Header) bool { return h.LongTimestamps() }},
		{"power-of-two", 1 << 31, func(h Header) bool { return h.BufferPowerOfTwo() }},
		{"timestamp-shift", 3 << 8, func(h Header) bool { return h.TimestampShift() == 4 }},
		{"fmt-id-bits", 5 << 12, func(h Header) bool { return h.FmtIDBits() == 5 }},
		{"subpackets", 16 << 16, func(h Header) bool { return h.MaxSubpackets() == 16 }},
		{"subpackets-zero-means-256", 0, func(h Header) bool { return h.MaxSubpackets() == 256 }},
		{"header-words", 6 << 24, func(h Header) bool { return h.HeaderWords() == 6 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := Header{RteCfg: tc.cfg}
			if !tc.check(h) {
				t.Fatalf("cfg=%#x: accessor check failed", tc.cfg)
			}
		})
	}
}

func TestSetSingleShot(t *testing.T) {
	var h Header
	h.SetSingleShot(true)
	if !h.SingleShotActive() {
		t.Fatal("single shot bit not set")
	}
	h.SetSingleShot(false)
	if h.SingleShotActive() {
		t.Fatal("single shot bit not cleared")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  uint32
		ok   bool
	}{
		{"valid", 6 << 24, true},
		{"wrong-header-size", 5 << 24, false},
		{"reserved-low-bits", 6<<24 | 1<<5, false},
		{"reserved-bit-15", 6<<24 | 1<<15, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := Header{RteCfg: tc.cfg}.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCheckTotalSize(t *testing.T) {
	if err := CheckTotalSize(MinTotalSize); err != nil {
		t.Fatalf("minimum size rejected: %v", err)
	}
	if err := CheckTotalSize(MinTotalSize - 4); err == nil {
		t.Fatal("undersize accepted")
	}
	if err := CheckTotalSize(MaxTotalSize + 4); err == nil {
		t.Fatal("oversize accepted")
	}
}

func TestEncodeFilterOffset(t *testing.T) {
	h := Header{Filter: 0xdeadbeef}
	buf := h.Bytes()
	if !bytes.Equal(buf[OffFilter:OffFilter+4], []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Fatalf("filter word not little-endian at offset %d: % x", OffFilter, buf)
	}
}
