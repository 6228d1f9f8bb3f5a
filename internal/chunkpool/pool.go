package chunkpool

import "sync"

// MinSize is the minimum cardinality a pool must be allocated with — below
// this, starvation stops being a back-pressure signal and becomes a
// liveness problem (spec.md §4.A).
const MinSize = 1024

// Pool is a fixed-count, singly linked free list of chunks, protected by a
// single mutex held only across pointer swaps. Design Notes §9 keeps this a
// mutex rather than a spin lock: the critical section is O(1) pointer
// updates, and no contention profiling has justified a spin lock.
type Pool struct {
	mu     sync.Mutex
	free   *Chunk
	chunks []*Chunk // retained so the backing arrays outlive the pool's lifetime
}

// New preallocates size chunks (size is raised to MinSize if smaller) and
// links them onto the free list.
func New(size int) *Pool {
	if size < MinSize {
		size = MinSize
	}
	p := &Pool{chunks: make([]*Chunk, size)}
	for i := range p.chunks {
		c := &Chunk{}
		p.chunks[i] = c
		c.next = p.free
		p.free = c
	}
	return p
}

// Size returns the total number of chunks owned by the pool.
func (p *Pool) Size() int {
	return len(p.chunks)
}

// Alloc pops a chunk off the free list, clears its SeqNo, and returns it.
// ok is false when the pool is exhausted — the caller should yield and
// retry; this is flow control, not an error.
func (p *Pool) Alloc() (c *Chunk, ok bool) {
	p.mu.Lock()
	c = p.free
	if c != nil {
		p.free = c.next
		c.next = nil
	}
	p.mu.Unlock()

	if c == nil {
		return nil, false
	}
	c.Reset()
	return c, true
}

// Free returns a chunk to the free list. The caller must not use c again
// until a subsequent Alloc hands it back out.
func (p *Pool) Free(c *Chunk) {
	p.mu.Lock()
	c.next = p.free
	p.free = c
	p.mu.Unlock()
}
