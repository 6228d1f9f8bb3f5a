// Package wire defines the packed on-wire and on-disk layouts shared between
// the control channel, the data connections, and the PCAP output file.
package wire

import "encoding/binary"

// PacketHeaderSize is the fixed byte footprint of a per-chunk wire header:
// SeqNo(4) + XferLength(4) + DataLength(4) + Flag(1) + 3 reserved bytes.
const PacketHeaderSize = 16

// PacketHeaderFlagEOF marks a wire header as the end-of-stream frame.
const PacketHeaderFlagEOF = byte(1 << 0)

// PacketHeader is the fixed header that precedes every chunk's payload on a
// data connection. The three reserved bytes carry no meaning today; Design
// Notes treat a CRC32 field seen in one source variant as optional metadata
// that may one day occupy them.
type PacketHeader struct {
	SeqNo       uint32
	XferLength  uint32
	DataLength  uint32
	Flag        byte
	_           [3]byte
}

// IsEOF reports whether the end-of-stream bit is set.
func (h PacketHeader) IsEOF() bool {
	return h.Flag&PacketHeaderFlagEOF != 0
}

// MarshalBinary encodes h into its 16-byte wire form.
func (h PacketHeader) MarshalBinary() []byte {
	buf := make([]byte, PacketHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.SeqNo)
	binary.BigEndian.PutUint32(buf[4:8], h.XferLength)
	binary.BigEndian.PutUint32(buf[8:12], h.DataLength)
	buf[12] = h.Flag
	return buf
}

// UnmarshalPacketHeader decodes a 16-byte wire header.
func UnmarshalPacketHeader(buf []byte) PacketHeader {
	_ = buf[15] // bounds check hint
	return PacketHeader{
		SeqNo:      binary.BigEndian.Uint32(buf[0:4]),
		XferLength: binary.BigEndian.Uint32(buf[4:8]),
		DataLength: binary.BigEndian.Uint32(buf[8:12]),
		Flag:       buf[12],
	}
}

// Control command codes, per the CMDHEADER wire format.
const (
	CmdList uint32 = 1
	CmdGet  uint32 = 2
	CmdEnd  uint32 = 100
	CmdOK   uint32 = 101
	CmdNG   uint32 = 102
)

// CmdHeaderVersion is the only control-protocol version this client speaks.
const CmdHeaderVersion byte = 0x10

// Fixed field widths inside CmdHeader.
const (
	cmdStreamNameLen = 1024
	cmdArgCount      = 1024
	cmdFilterBPFLen  = 1024
	cmdFilterRELen   = 1024
)

// CmdHeaderSize is the fixed byte footprint of a control-connection frame:
// Version(1) + Cmd(4) + StreamName(1024) + StreamSize(8) + Arg(1024*4) +
// FilterBPF(1024) + FilterRE(1024).
const CmdHeaderSize = 1 + 4 + cmdStreamNameLen + 8 + cmdArgCount*4 + cmdFilterBPFLen + cmdFilterRELen

// CmdHeader is the control-connection frame used for LIST/GET and their
// acknowledgements.
type CmdHeader struct {
	Version    byte
	Cmd        uint32
	StreamName string
	StreamSize uint64
	Arg        [cmdArgCount]uint32
	FilterBPF  string
	FilterRE   string
}

// MarshalBinary encodes h into its fixed-size wire form.
func (h CmdHeader) MarshalBinary() []byte {
	buf := make([]byte, CmdHeaderSize)
	off := 0
	buf[off] = h.Version
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], h.Cmd)
	off += 4
	putFixedString(buf[off:off+cmdStreamNameLen], h.StreamName)
	off += cmdStreamNameLen
	binary.BigEndian.PutUint64(buf[off:off+8], h.StreamSize)
	off += 8
	for i := 0; i < cmdArgCount; i++ {
		binary.BigEndian.PutUint32(buf[off:off+4], h.Arg[i])
		off += 4
	}
	putFixedString(buf[off:off+cmdFilterBPFLen], h.FilterBPF)
	off += cmdFilterBPFLen
	putFixedString(buf[off:off+cmdFilterRELen], h.FilterRE)
	off += cmdFilterRELen
	return buf
}

// UnmarshalCmdHeader decodes a fixed-size control-connection frame.
func UnmarshalCmdHeader(buf []byte) CmdHeader {
	var h CmdHeader
	off := 0
	h.Version = buf[off]
	off++
	h.Cmd = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	h.StreamName = getFixedString(buf[off : off+cmdStreamNameLen])
	off += cmdStreamNameLen
	h.StreamSize = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	for i := 0; i < cmdArgCount; i++ {
		h.Arg[i] = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	h.FilterBPF = getFixedString(buf[off : off+cmdFilterBPFLen])
	off += cmdFilterBPFLen
	h.FilterRE = getFixedString(buf[off : off+cmdFilterRELen])
	off += cmdFilterRELen
	return h
}

func putFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}

func getFixedString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

// PCAPMagicNano identifies a PCAP global header with nanosecond-resolution
// timestamps.
const PCAPMagicNano uint32 = 0xa1b23c4d

// PCAPGlobalHeaderSize is the fixed byte footprint of the PCAP global header.
const PCAPGlobalHeaderSize = 24

// PCAPGlobalHeader is the 24-byte file header written once at the start of
// the output stream.
type PCAPGlobalHeader struct {
	Magic    uint32
	Major    uint16
	Minor    uint16
	TimeZone uint32
	SigFlag  uint32
	SnapLen  uint32
	Link     uint32
}

// NewPCAPGlobalHeader returns the standard header this client always writes:
// nanosecond magic, version 2.4, Ethernet link type, max snaplen.
func NewPCAPGlobalHeader() PCAPGlobalHeader {
	return PCAPGlobalHeader{
		Magic:    PCAPMagicNano,
		Major:    2,
		Minor:    4,
		TimeZone: 0,
		SigFlag:  0,
		SnapLen:  65535,
		Link:     1,
	}
}

// MarshalBinary encodes h into its 24-byte wire form.
func (h PCAPGlobalHeader) MarshalBinary() []byte {
	buf := make([]byte, PCAPGlobalHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Major)
	binary.BigEndian.PutUint16(buf[6:8], h.Minor)
	binary.BigEndian.PutUint32(buf[8:12], h.TimeZone)
	binary.BigEndian.PutUint32(buf[12:16], h.SigFlag)
	binary.BigEndian.PutUint32(buf[16:20], h.SnapLen)
	binary.BigEndian.PutUint32(buf[20:24], h.Link)
	return buf
}

// PCAPRecordSize is the fixed byte footprint of a per-packet PCAP record
// header — deliberately identical to InternalPacketHeaderSize, which is what
// makes the in-place rewrite in Rewrite correct.
const PCAPRecordSize = 16

// InternalPacketHeaderSize is the fixed byte footprint of the internal
// per-packet header as received on the wire, before rewrite.
const InternalPacketHeaderSize = 16

// InternalPacketHeader is the compact per-packet header as it arrives inside
// a chunk's payload, before being rewritten to PCAPRecordHeader.
type InternalPacketHeader struct {
	TSNanos        uint64
	LengthCaptured uint16
	LengthWire     uint16
	PortNo         byte
}

// UnmarshalInternalPacketHeader decodes a 16-byte internal packet header.
func UnmarshalInternalPacketHeader(buf []byte) InternalPacketHeader {
	_ = buf[15]
	return InternalPacketHeader{
		TSNanos:        binary.BigEndian.Uint64(buf[0:8]),
		LengthCaptured: binary.BigEndian.Uint16(buf[8:10]),
		LengthWire:     binary.BigEndian.Uint16(buf[10:12]),
		PortNo:         buf[12],
	}
}

// PCAPRecordHeader is the 16-byte per-packet record header written to the
// output stream: seconds, nanosecond remainder, captured length, wire
// length.
type PCAPRecordHeader struct {
	Sec            uint32
	NSec           uint32
	LengthCaptured uint32
	LengthWire     uint32
}

// PutPCAPRecordHeader writes h into dst, which must be exactly
// PCAPRecordSize bytes — the same 16 bytes the internal header occupied,
// enabling the in-place rewrite.
func PutPCAPRecordHeader(dst []byte, h PCAPRecordHeader) {
	_ = dst[15]
	binary.BigEndian.PutUint32(dst[0:4], h.Sec)
	binary.BigEndian.PutUint32(dst[4:8], h.NSec)
	binary.BigEndian.PutUint32(dst[8:12], h.LengthCaptured)
	binary.BigEndian.PutUint32(dst[12:16], h.LengthWire)
}

const nanosPerSecond = 1_000_000_000

// SplitTSNanos splits a nanosecond timestamp into whole seconds and the
// nanosecond remainder, computed with full 64-bit precision as required by
// the rewrite's round-trip property.
func SplitTSNanos(tsNanos uint64) (sec, nsec uint32) {
	s := tsNanos / nanosPerSecond
	n := tsNanos - s*nanosPerSecond
	return uint32(s), uint32(n)
}
