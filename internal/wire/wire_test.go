package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketHeaderRoundTrip(t *testing.T) {
	h := PacketHeader{SeqNo: 42, XferLength: 128, DataLength: 96, Flag: PacketHeaderFlagEOF}
	buf := h.MarshalBinary()
	if len(buf) != PacketHeaderSize {
		t.Fatalf("expected %d bytes, got %d", PacketHeaderSize, len(buf))
	}
	got := UnmarshalPacketHeader(buf)
	if got.SeqNo != h.SeqNo || got.XferLength != h.XferLength || got.DataLength != h.DataLength || got.Flag != h.Flag {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if !got.IsEOF() {
		t.Fatal("expected EOF flag set")
	}
}

func TestCmdHeaderRoundTrip(t *testing.T) {
	h := CmdHeader{
		Version:    CmdHeaderVersion,
		Cmd:        CmdGet,
		StreamName: "eth0-capture",
		StreamSize: 1 << 20,
		FilterBPF:  "tcp port 80",
	}
	buf := h.MarshalBinary()
	if len(buf) != CmdHeaderSize {
		t.Fatalf("expected %d bytes, got %d", CmdHeaderSize, len(buf))
	}
	got := UnmarshalCmdHeader(buf)
	if got.Version != h.Version || got.Cmd != h.Cmd || got.StreamName != h.StreamName ||
		got.StreamSize != h.StreamSize || got.FilterBPF != h.FilterBPF {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestPCAPGlobalHeaderLayout(t *testing.T) {
	h := NewPCAPGlobalHeader()
	buf := h.MarshalBinary()
	if len(buf) != PCAPGlobalHeaderSize {
		t.Fatalf("expected %d bytes, got %d", PCAPGlobalHeaderSize, len(buf))
	}
	want := []byte{0xa1, 0xb2, 0x3c, 0x4d, 0x00, 0x02, 0x00, 0x04, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0, 0, 0, 1}
	if !bytes.Equal(buf, want) {
		t.Fatalf("unexpected global header bytes: got %x, want %x", buf, want)
	}
}

func TestSplitTSNanos(t *testing.T) {
	cases := []struct {
		ts       uint64
		sec      uint32
		nsec     uint32
	}{
		{1_500_000_000, 1, 500_000_000},
		{2_000_000_500, 2, 500},
		{0, 0, 0},
	}
	for _, c := range cases {
		sec, nsec := SplitTSNanos(c.ts)
		if sec != c.sec || nsec != c.nsec {
			t.Errorf("SplitTSNanos(%d) = (%d, %d), want (%d, %d)", c.ts, sec, nsec, c.sec, c.nsec)
		}
	}
}

func TestRewriteSingleChunkTwoPackets(t *testing.T) {
	// Scenario 1 from SPEC_FULL.md §14 / spec.md §8.
	payload := make([]byte, 64)

	hdr1 := InternalPacketHeader{TSNanos: 1_500_000_000, LengthCaptured: 16, LengthWire: 16, PortNo: 0}
	putInternalHeader(payload[0:16], hdr1)
	hdr2 := InternalPacketHeader{TSNanos: 2_000_000_500, LengthCaptured: 16, LengthWire: 16, PortNo: 0}
	putInternalHeader(payload[32:48], hdr2)

	n, err := Rewrite(payload, 64)
	if err != nil {
		t.Fatalf("Rewrite returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 packets, got %d", n)
	}

	rec1 := PCAPRecordHeader{Sec: 1, NSec: 500_000_000, LengthCaptured: 16, LengthWire: 16}
	gotRec1 := readRecord(payload[0:16])
	if gotRec1 != rec1 {
		t.Fatalf("record 1 mismatch: got %+v, want %+v", gotRec1, rec1)
	}

	rec2 := PCAPRecordHeader{Sec: 2, NSec: 500, LengthCaptured: 16, LengthWire: 16}
	gotRec2 := readRecord(payload[32:48])
	if gotRec2 != rec2 {
		t.Fatalf("record 2 mismatch: got %+v, want %+v", gotRec2, rec2)
	}

	// Captured payload bytes (the 16 zero bytes after each header) must be untouched.
	if !bytes.Equal(payload[16:32], make([]byte, 16)) {
		t.Fatalf("captured bytes after record 1 were modified: %x", payload[16:32])
	}
}

func TestRewriteZeroLengthPacketIsLegal(t *testing.T) {
	payload := make([]byte, 16)
	putInternalHeader(payload, InternalPacketHeader{TSNanos: 42, LengthCaptured: 0, LengthWire: 0})

	n, err := Rewrite(payload, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 packet, got %d", n)
	}
}

func TestRewriteZeroDataLengthProducesNoPackets(t *testing.T) {
	n, err := Rewrite(nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 packets, got %d", n)
	}
}

func TestRewriteMalformedLengthExceedsChunk(t *testing.T) {
	payload := make([]byte, 16)
	putInternalHeader(payload, InternalPacketHeader{TSNanos: 1, LengthCaptured: 100, LengthWire: 100})

	_, err := Rewrite(payload, 16)
	if err == nil {
		t.Fatal("expected malformed packet error")
	}
	var malformed *ErrMalformedPacket
	if !errors.As(err, &malformed) {
		t.Fatalf("expected *ErrMalformedPacket, got %T: %v", err, err)
	}
}

func putInternalHeader(dst []byte, h InternalPacketHeader) {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(h.TSNanos >> (8 * i))
	}
	copy(dst[0:8], buf)
	dst[8] = byte(h.LengthCaptured >> 8)
	dst[9] = byte(h.LengthCaptured)
	dst[10] = byte(h.LengthWire >> 8)
	dst[11] = byte(h.LengthWire)
	dst[12] = h.PortNo
}

func readRecord(buf []byte) PCAPRecordHeader {
	return PCAPRecordHeader{
		Sec:            uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
		NSec:           uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7]),
		LengthCaptured: uint32(buf[8])<<24 | uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11]),
		LengthWire:     uint32(buf[12])<<24 | uint32(buf[13])<<16 | uint32(buf[14])<<8 | uint32(buf[15]),
	}
}
