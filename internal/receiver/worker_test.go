package receiver

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"

	"github.com/fmadio/fcap/internal/chunkpool"
	"github.com/fmadio/fcap/internal/spscqueue"
	"github.com/fmadio/fcap/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeHeader(t *testing.T, w io.Writer, h wire.PacketHeader) {
	t.Helper()
	if _, err := w.Write(h.MarshalBinary()); err != nil {
		t.Fatalf("writing header: %v", err)
	}
}

func internalHeaderBytes(ts uint64, cap_, wireLen uint16) []byte {
	buf := make([]byte, wire.InternalPacketHeaderSize)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(ts >> (8 * i))
	}
	buf[8] = byte(cap_ >> 8)
	buf[9] = byte(cap_)
	buf[10] = byte(wireLen >> 8)
	buf[11] = byte(wireLen)
	return buf
}

func TestWorkerSingleChunkTwoPackets(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	pool := chunkpool.New(chunkpool.MinSize)
	q := spscqueue.New(256)
	var eofSeqNo atomic.Uint32
	var stop atomic.Bool

	w := New(Config{
		ID:       0,
		Conn:     clientConn,
		Pool:     pool,
		Queue:    q,
		EOFSeqNo: &eofSeqNo,
		Stop:     &stop,
		Logger:   discardLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	go func() {
		writeHeader(t, serverConn, wire.PacketHeader{SeqNo: 1, XferLength: 64, DataLength: 64})
		payload := make([]byte, 64)
		copy(payload[0:16], internalHeaderBytes(1_500_000_000, 16, 16))
		copy(payload[32:48], internalHeaderBytes(2_000_000_500, 16, 16))
		serverConn.Write(payload)
		writeHeader(t, serverConn, wire.PacketHeader{SeqNo: 2, Flag: wire.PacketHeaderFlagEOF})
	}()

	if err := <-done; err != nil {
		t.Fatalf("worker returned error: %v", err)
	}

	if got := eofSeqNo.Load(); got != 2 {
		t.Fatalf("expected published EOF seq 2, got %d", got)
	}

	c, ok := q.TryPop()
	if !ok {
		t.Fatal("expected one chunk in the queue")
	}
	if c.SeqNo != 1 || c.PktCount != 2 {
		t.Fatalf("unexpected chunk: seq=%d pktCount=%d", c.SeqNo, c.PktCount)
	}
	if c.Payload[0] != 0 || c.Payload[3] != 1 {
		t.Fatalf("expected rewritten record to start with sec=1, got %x", c.Payload[0:4])
	}
}

func TestWorkerPublishesEOFOnlyWhenNonZero(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	pool := chunkpool.New(chunkpool.MinSize)
	q := spscqueue.New(256)
	var eofSeqNo atomic.Uint32
	eofSeqNo.Store(99)
	var stop atomic.Bool

	w := New(Config{ID: 0, Conn: clientConn, Pool: pool, Queue: q, EOFSeqNo: &eofSeqNo, Stop: &stop, Logger: discardLogger()})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	go func() {
		writeHeader(t, serverConn, wire.PacketHeader{SeqNo: 0, Flag: wire.PacketHeaderFlagEOF})
	}()

	if err := <-done; err != nil {
		t.Fatalf("worker returned error: %v", err)
	}
	if got := eofSeqNo.Load(); got != 99 {
		t.Fatalf("expected EOF seq to remain 99 (seq_no=0 must not overwrite), got %d", got)
	}
}

func TestWorkerConnectionCloseIsFatalToTheWorker(t *testing.T) {
	// spec.md §4.C/§7: a connection failure (here, an unexpected close with
	// no EOF frame) is not a clean termination — the worker exits with an
	// error and the orchestrator's idle watchdog is what notices.
	serverConn, clientConn := net.Pipe()

	pool := chunkpool.New(chunkpool.MinSize)
	q := spscqueue.New(256)
	var eofSeqNo atomic.Uint32
	var stop atomic.Bool

	w := New(Config{ID: 0, Conn: clientConn, Pool: pool, Queue: q, EOFSeqNo: &eofSeqNo, Stop: &stop, Logger: discardLogger()})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	serverConn.Close()

	if err := <-done; err == nil {
		t.Fatal("expected an error when the connection closes without an EOF frame")
	}
}
