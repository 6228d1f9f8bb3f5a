package wire

import "fmt"

// ErrMalformedPacket is returned by Rewrite when a captured length would run
// past the end of the chunk's logical payload.
type ErrMalformedPacket struct {
	Offset         int
	LengthCaptured uint16
	Remaining      int
}

func (e *ErrMalformedPacket) Error() string {
	return fmt.Sprintf("wire: packet at offset %d claims %d captured bytes but only %d remain",
		e.Offset, e.LengthCaptured, e.Remaining)
}

// Rewrite walks payload[0:dataLength], reinterpreting each 16-byte prefix as
// an InternalPacketHeader and overwriting the same 16 bytes with the
// equivalent PCAPRecordHeader. It never moves or touches the captured bytes
// that follow each header. It returns the number of packets rewritten.
//
// The equal 16-byte footprint of the internal and PCAP headers is what makes
// this safe to do in place; see Design Notes in SPEC_FULL.md.
func Rewrite(payload []byte, dataLength uint32) (pktCount uint32, err error) {
	off := 0
	limit := int(dataLength)
	for off < limit {
		if off+InternalPacketHeaderSize > len(payload) || off+InternalPacketHeaderSize > limit {
			return pktCount, &ErrMalformedPacket{Offset: off, Remaining: limit - off}
		}

		hdr := UnmarshalInternalPacketHeader(payload[off : off+InternalPacketHeaderSize])

		remaining := limit - off - InternalPacketHeaderSize
		if int(hdr.LengthCaptured) > remaining {
			return pktCount, &ErrMalformedPacket{
				Offset:         off,
				LengthCaptured: hdr.LengthCaptured,
				Remaining:      remaining,
			}
		}

		sec, nsec := SplitTSNanos(hdr.TSNanos)
		PutPCAPRecordHeader(payload[off:off+PCAPRecordSize], PCAPRecordHeader{
			Sec:            sec,
			NSec:           nsec,
			LengthCaptured: uint32(hdr.LengthCaptured),
			LengthWire:     uint32(hdr.LengthWire),
		})

		off += InternalPacketHeaderSize + int(hdr.LengthCaptured)
		pktCount++
	}
	return pktCount, nil
}
