// Package spscqueue implements the bounded, lock-free, single-producer/
// single-consumer chunk queue that hands chunks from one receiver worker to
// the reorder/merger (spec.md §3/§4.B).
package spscqueue

import (
	"fmt"
	"sync/atomic"

	"github.com/fmadio/fcap/internal/chunkpool"
)

// cacheLinePad is sized to push put and get onto separate cache lines,
// avoiding false sharing between the producer and the consumer — the same
// concern the teacher's ring buffer addresses with its head/tail offset
// bookkeeping, expressed here as explicit struct padding.
type cacheLinePad [56]byte // 64-byte cache line minus the 8-byte atomic.Uint64 it follows

// Queue is a bounded SPSC ring of chunk pointers. put is owned exclusively
// by the producer (one receiver worker); get is owned exclusively by the
// consumer (the merger, running on its single goroutine). Capacity
// must be a power of two.
type Queue struct {
	put     atomic.Uint64
	_       cacheLinePad
	get     atomic.Uint64
	_       cacheLinePad
	mask    uint64
	entries []*chunkpool.Chunk
}

// New creates a queue of the given capacity, which must be a power of two.
func New(capacity int) *Queue {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("spscqueue: capacity must be a power of two, got %d", capacity))
	}
	return &Queue{
		mask:    uint64(capacity - 1),
		entries: make([]*chunkpool.Chunk, capacity),
	}
}

// Capacity returns the queue's fixed slot count.
func (q *Queue) Capacity() int {
	return len(q.entries)
}

// Depth returns put-get, the producer's-eye view of how full the queue is.
// Only meaningful from the producer side for back-pressure decisions, or as
// an advisory read from the consumer/stats side.
func (q *Queue) Depth() uint64 {
	return q.put.Load() - q.get.Load()
}

// TryPush writes c into the next slot if the queue is not full. The slot
// write happens-before the release-store that publishes put, so a consumer
// that observes the new put value via an acquire-load is guaranteed to see
// the slot write (spec.md §4.B, §5).
func (q *Queue) TryPush(c *chunkpool.Chunk) bool {
	put := q.put.Load()
	get := q.get.Load()
	if put-get >= uint64(len(q.entries)) {
		return false
	}
	q.entries[put&q.mask] = c
	q.put.Store(put + 1) // release
	return true
}

// TryPop reads and removes the oldest slot if the queue is non-empty.
func (q *Queue) TryPop() (*chunkpool.Chunk, bool) {
	get := q.get.Load()
	put := q.put.Load() // acquire
	if put <= get {
		return nil, false
	}
	c := q.entries[get&q.mask]
	q.entries[get&q.mask] = nil
	q.get.Store(get + 1)
	return c, true
}

// PeekHead returns the oldest slot's chunk without removing it, for the
// merger's seq_no comparison (spec.md §4.D step 2). ok is false if empty.
func (q *Queue) PeekHead() (c *chunkpool.Chunk, ok bool) {
	get := q.get.Load()
	put := q.put.Load()
	if put <= get {
		return nil, false
	}
	return q.entries[get&q.mask], true
}
