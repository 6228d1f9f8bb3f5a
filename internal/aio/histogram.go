// Package aio implements the asynchronous direct-I/O writer: a ring of
// page-aligned staging buffers submitted through Linux's AIO interface,
// completions observed through an eventfd, latency tracked in a histogram
// (spec.md §3/§4.E).
package aio

import "time"

// HistoBins is the number of buckets in each histogram, one per
// millisecond of latency, clamped to the last bin beyond that range.
const HistoBins = 1_000_000

// HistoBin is the width of a single histogram bucket.
const HistoBin = time.Millisecond

// Histogram holds the read and write completion-latency distributions.
// Mutated only by the completion handler (Writer.Update), on the same
// goroutine that calls it; reads are advisory.
type Histogram struct {
	Read  [HistoBins]uint32
	Write [HistoBins]uint32
}

// record adds one sample of the given latency to the appropriate bucket,
// clamped to the last bin.
func (h *Histogram) record(isWrite bool, latency time.Duration) {
	bin := int64(latency / HistoBin)
	if bin < 0 {
		bin = 0
	}
	if bin >= HistoBins {
		bin = HistoBins - 1
	}
	if isWrite {
		h.Write[bin]++
	} else {
		h.Read[bin]++
	}
}

// Reset zeroes both histograms.
func (h *Histogram) Reset() {
	for i := range h.Read {
		h.Read[i] = 0
	}
	for i := range h.Write {
		h.Write[i] = 0
	}
}

// LatencyMax returns the highest non-empty write-latency bucket's
// representative latency, or 0 if no samples were recorded.
func (h *Histogram) LatencyMax() time.Duration {
	for i := HistoBins - 1; i >= 0; i-- {
		if h.Write[i] > 0 {
			return time.Duration(i) * HistoBin
		}
	}
	return 0
}
