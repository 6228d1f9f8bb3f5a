package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/fmadio/fcap/internal/sink"
	"github.com/fmadio/fcap/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDataServer listens once and writes one chunk carrying payload,
// followed by an EOF frame — a single-chunk fixture in the shape of spec.md
// §8 scenario 1 (the test below puts one packet in the chunk).
func fakeDataServer(t *testing.T, seq uint32, payload []byte, eofSeq uint32) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hdr := wire.PacketHeader{SeqNo: seq, XferLength: uint32(len(payload)), DataLength: uint32(len(payload))}
		conn.Write(hdr.MarshalBinary())
		conn.Write(payload)

		eof := wire.PacketHeader{SeqNo: eofSeq, Flag: wire.PacketHeaderFlagEOF}
		conn.Write(eof.MarshalBinary())
	}()
	return ln
}

func buildInternalRecord(tsNanos uint64, capLen, wireLen uint16) []byte {
	buf := make([]byte, 16+capLen)
	h := wire.InternalPacketHeader{TSNanos: tsNanos, LengthCaptured: capLen, LengthWire: wireLen}
	tmp := make([]byte, 16)
	putInternalHeaderForTest(tmp, h)
	copy(buf, tmp)
	return buf
}

func putInternalHeaderForTest(dst []byte, h wire.InternalPacketHeader) {
	be := func(b []byte, v uint64, n int) {
		for i := 0; i < n; i++ {
			b[n-1-i] = byte(v)
			v >>= 8
		}
	}
	be(dst[0:8], h.TSNanos, 8)
	be(dst[8:10], uint64(h.LengthCaptured), 2)
	be(dst[10:12], uint64(h.LengthWire), 2)
	dst[12] = h.PortNo
}

func TestRunSingleConnectionSingleChunk(t *testing.T) {
	payload := buildInternalRecord(1_500_000_000, 16, 16)

	ln := fakeDataServer(t, 1, payload, 2)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	var buf bytes.Buffer
	streamSink := sink.NewStreamSink(&buf)

	cfg := Config{
		ServerIP:        "127.0.0.1",
		DataPortBase:    addr.Port,
		ConnectionCount: 1,
		ChunkPoolSize:   8,
		QueueCapacity:   8,
		Sink:            streamSink,
		Logger:          testLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := Run(ctx, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.TotalPackets != 1 {
		t.Fatalf("expected 1 packet, got %d", summary.TotalPackets)
	}

	out := buf.Bytes()
	if len(out) != wire.PCAPGlobalHeaderSize+len(payload) {
		t.Fatalf("unexpected output length %d", len(out))
	}
}
