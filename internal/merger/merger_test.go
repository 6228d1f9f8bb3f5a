package merger

import (
	"bytes"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/fmadio/fcap/internal/chunkpool"
	"github.com/fmadio/fcap/internal/spscqueue"
)

type bufSink struct {
	buf bytes.Buffer
}

func (s *bufSink) Write(payload []byte) error {
	_, err := s.buf.Write(payload)
	return err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunkWith(seq uint32, data []byte) *chunkpool.Chunk {
	c := &chunkpool.Chunk{SeqNo: seq, DataLength: uint32(len(data))}
	copy(c.Payload[:], data)
	return c
}

func TestMergerOutOfOrderReceptionInOrderEmission(t *testing.T) {
	// Scenario 2 from spec.md §8: two workers receive seq=2 and seq=1
	// respectively, in that temporal order; output must begin with seq=1.
	q0 := spscqueue.New(4)
	q1 := spscqueue.New(4)
	pool := chunkpool.New(chunkpool.MinSize)

	q0.TryPush(chunkWith(2, []byte("BBBB")))
	q1.TryPush(chunkWith(1, []byte("AAAA")))

	sink := &bufSink{}
	var eofSeqNo atomic.Uint32
	eofSeqNo.Store(3)

	m := New([]*spscqueue.Queue{q0, q1}, pool, sink, &eofSeqNo, nil, discardLogger())
	if err := m.Run(nil); err != nil {
		t.Fatalf("merger run failed: %v", err)
	}

	if got := sink.buf.String(); got != "AAAABBBB" {
		t.Fatalf("expected AAAABBBB, got %q", got)
	}
}

func TestMergerStopsAtEOF(t *testing.T) {
	q := spscqueue.New(4)
	pool := chunkpool.New(chunkpool.MinSize)
	sink := &bufSink{}
	var eofSeqNo atomic.Uint32
	eofSeqNo.Store(1) // no real chunks ever sent; EOF immediately equals next_seq

	m := New([]*spscqueue.Queue{q}, pool, sink, &eofSeqNo, nil, discardLogger())
	if err := m.Run(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.NextSeq() != 1 {
		t.Fatalf("expected next_seq to remain 1, got %d", m.NextSeq())
	}
}

func TestMergerZeroDataLengthChunkProducesNoBytes(t *testing.T) {
	q := spscqueue.New(4)
	pool := chunkpool.New(chunkpool.MinSize)
	q.TryPush(&chunkpool.Chunk{SeqNo: 1, DataLength: 0})
	sink := &bufSink{}
	var eofSeqNo atomic.Uint32
	eofSeqNo.Store(2)

	m := New([]*spscqueue.Queue{q}, pool, sink, &eofSeqNo, nil, discardLogger())
	if err := m.Run(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.buf.Len() != 0 {
		t.Fatalf("expected zero bytes emitted, got %d", sink.buf.Len())
	}
}

func TestMergerOnAdvanceCalledPerChunk(t *testing.T) {
	q := spscqueue.New(4)
	pool := chunkpool.New(chunkpool.MinSize)
	q.TryPush(chunkWith(1, []byte("A")))
	q.TryPush(chunkWith(2, []byte("B")))
	sink := &bufSink{}
	var eofSeqNo atomic.Uint32
	eofSeqNo.Store(3)

	var advances int
	m := New([]*spscqueue.Queue{q}, pool, sink, &eofSeqNo, func() { advances++ }, discardLogger())
	if err := m.Run(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advances != 2 {
		t.Fatalf("expected 2 advances, got %d", advances)
	}
}
