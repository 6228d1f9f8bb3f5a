// Package chunkpool implements the fixed-count pool of reassembly buffers
// chunks are drawn from and returned to (spec.md §3/§4.A).
package chunkpool

import "github.com/fmadio/fcap/internal/wire"

// PayloadSize is the fixed arena size of a single chunk's payload.
const PayloadSize = 256 * 1024

// Chunk is a fixed-capacity reassembly buffer. An owning pointer exists in
// exactly one of {pool free list, a receiver queue slot, the merger's
// current processing hand} at any time.
type Chunk struct {
	SeqNo      uint32
	XferLength uint32
	DataLength uint32
	Flag       byte
	PktCount   uint32
	Payload    [PayloadSize]byte

	next *Chunk // free-list link; owned exclusively by Pool
}

// Reset clears the fields the receiver worker repopulates on every use.
// SeqNo is cleared to 0 ("unassigned") per spec.md §4.A.
func (c *Chunk) Reset() {
	c.SeqNo = 0
	c.XferLength = 0
	c.DataLength = 0
	c.Flag = 0
	c.PktCount = 0
}

// IsEOF reports whether this chunk's header carried the end-of-stream bit.
func (c *Chunk) IsEOF() bool {
	return c.Flag&wire.PacketHeaderFlagEOF != 0
}
