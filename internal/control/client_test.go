package control

import (
	"net"
	"testing"

	"github.com/fmadio/fcap/internal/wire"
)

func pipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	return &Client{conn: client}, server
}

func TestListReadsUntilEnd(t *testing.T) {
	c, server := pipeClient(t)
	defer server.Close()

	go func() {
		buf := make([]byte, wire.CmdHeaderSize)
		readFull(server, buf)

		ok1 := wire.CmdHeader{Version: wire.CmdHeaderVersion, Cmd: wire.CmdOK, StreamName: "eth0", StreamSize: 100}
		server.Write(ok1.MarshalBinary())
		ok2 := wire.CmdHeader{Version: wire.CmdHeaderVersion, Cmd: wire.CmdOK, StreamName: "eth1", StreamSize: 200}
		server.Write(ok2.MarshalBinary())
		end := wire.CmdHeader{Version: wire.CmdHeaderVersion, Cmd: wire.CmdEnd}
		server.Write(end.MarshalBinary())
	}()

	streams, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}
	if streams[0].Name != "eth0" || streams[0].Size != 100 {
		t.Fatalf("unexpected first stream: %+v", streams[0])
	}
	if streams[1].Name != "eth1" || streams[1].Size != 200 {
		t.Fatalf("unexpected second stream: %+v", streams[1])
	}
}

func TestGetOK(t *testing.T) {
	c, server := pipeClient(t)
	defer server.Close()

	go func() {
		buf := make([]byte, wire.CmdHeaderSize)
		readFull(server, buf)
		ok := wire.CmdHeader{Version: wire.CmdHeaderVersion, Cmd: wire.CmdOK}
		server.Write(ok.MarshalBinary())
	}()

	if err := c.Get("eth0", "", ""); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestGetRejected(t *testing.T) {
	c, server := pipeClient(t)
	defer server.Close()

	go func() {
		buf := make([]byte, wire.CmdHeaderSize)
		readFull(server, buf)
		ng := wire.CmdHeader{Version: wire.CmdHeaderVersion, Cmd: wire.CmdNG}
		server.Write(ng.MarshalBinary())
	}()

	if err := c.Get("eth0", "", ""); err != ErrGetRejected {
		t.Fatalf("expected ErrGetRejected, got %v", err)
	}
}

func readFull(r net.Conn, buf []byte) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if err != nil {
			return
		}
		n += m
	}
}
