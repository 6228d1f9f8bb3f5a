// Package control implements the control-channel client (spec.md §4.G):
// LIST enumerates available streams; GET requests one stream by name and is
// answered with OK (authorizing the orchestrator to open data connections)
// or NG (aborting the transfer).
package control

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fmadio/fcap/internal/wire"
)

// ErrGetRejected is returned when the server answers GET with NG.
var ErrGetRejected = errors.New("control: GET rejected by server (NG)")

// ErrUnexpectedFrame is returned when a frame other than the one expected
// for the current exchange arrives.
var ErrUnexpectedFrame = errors.New("control: unexpected frame from server")

// Client owns the control-channel TCP connection. It is not safe for
// concurrent use — LIST and GET are one-shot request/response exchanges
// issued sequentially by the CLI, matching the teacher's model of a single
// control request in flight at a time.
type Client struct {
	addr    string
	tlsCfg  *tls.Config
	logger  *slog.Logger
	dialer  *net.Dialer
	conn    net.Conn
}

// Config configures a control-channel Client.
type Config struct {
	// Addr is host:port of the control port (10000+worker-id, worker 0
	// only, per spec.md §6).
	Addr string
	// TLS is optional; when nil the connection is a plain TCP dial,
	// matching the core pipeline's "no reliability/security layer beyond
	// TCP" stance for the data path. When set, the control channel can be
	// secured independently (adapted from the teacher's pki package).
	TLS     *tls.Config
	Logger  *slog.Logger
	Timeout time.Duration
}

// New constructs a Client. Connect must be called before LIST/Get.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		addr:   cfg.Addr,
		tlsCfg: cfg.TLS,
		logger: cfg.Logger.With("component", "control_client"),
		dialer: &net.Dialer{Timeout: timeout},
	}
}

// NewOverConn wraps an already-established connection as a Client,
// bypassing Connect's dial step. Used by callers that already hold a
// connection, such as tests driving a Client over net.Pipe.
func NewOverConn(conn net.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, logger: logger.With("component", "control_client")}
}

// Connect dials the control port, optionally wrapping the connection in
// TLS.
func (c *Client) Connect() error {
	conn, err := c.dialer.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("control: dial %s: %w", c.addr, err)
	}

	if c.tlsCfg != nil {
		tlsConn := tls.Client(conn, c.tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("control: tls handshake: %w", err)
		}
		conn = tlsConn
	}

	c.conn = conn
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// StreamInfo describes one entry returned by LIST.
type StreamInfo struct {
	Name string
	Size uint64
}

// List sends a LIST command and reads response frames until END, returning
// the advertised streams (spec.md §4.G).
func (c *Client) List() ([]StreamInfo, error) {
	req := wire.CmdHeader{Version: wire.CmdHeaderVersion, Cmd: wire.CmdList}
	if err := c.send(req); err != nil {
		return nil, err
	}

	var streams []StreamInfo
	for {
		hdr, err := c.recv()
		if err != nil {
			return nil, fmt.Errorf("control: reading LIST response: %w", err)
		}
		switch hdr.Cmd {
		case wire.CmdEnd:
			return streams, nil
		case wire.CmdOK:
			streams = append(streams, StreamInfo{
				Name: hdr.StreamName,
				Size: hdr.StreamSize,
			})
		default:
			return nil, fmt.Errorf("%w: cmd=%d", ErrUnexpectedFrame, hdr.Cmd)
		}
	}
}

// Get sends a GET command for the named stream. A successful OK response
// authorizes the caller to open the N data connections; NG returns
// ErrGetRejected.
func (c *Client) Get(streamName string, filterBPF, filterRE string) error {
	req := wire.CmdHeader{
		Version:    wire.CmdHeaderVersion,
		Cmd:        wire.CmdGet,
		StreamName: streamName,
		FilterBPF:  filterBPF,
		FilterRE:   filterRE,
	}
	if err := c.send(req); err != nil {
		return err
	}

	hdr, err := c.recv()
	if err != nil {
		return fmt.Errorf("control: reading GET response: %w", err)
	}

	switch hdr.Cmd {
	case wire.CmdOK:
		return nil
	case wire.CmdNG:
		return ErrGetRejected
	default:
		return fmt.Errorf("%w: cmd=%d", ErrUnexpectedFrame, hdr.Cmd)
	}
}

func (c *Client) send(hdr wire.CmdHeader) error {
	buf := hdr.MarshalBinary()
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("control: writing command frame: %w", err)
	}
	return nil
}

func (c *Client) recv() (wire.CmdHeader, error) {
	buf := make([]byte, wire.CmdHeaderSize)
	n := 0
	for n < len(buf) {
		m, err := c.conn.Read(buf[n:])
		if err != nil {
			return wire.CmdHeader{}, err
		}
		n += m
	}
	return wire.UnmarshalCmdHeader(buf), nil
}
