package tunnel

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/die-net/fsocks/internal/obfs"
	"github.com/die-net/fsocks/internal/protocol"
)

// State is a position in the handshake.
type State int32

const (
	StateInit State = iota
	StateHelloSent
	StateHandShakeSent
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHelloSent:
		return "hello-sent"
	case StateHandShakeSent:
		return "handshake-sent"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is one tunnel connection. It refuses session packets in either
// direction until the handshake has reached StateEstablished.
type Conn struct {
	nc    net.Conn
	codec *protocol.Codec
	state atomic.Int32

	fuzz *obfs.FuzzParams
}

func newConn(nc net.Conn, bootstrap obfs.Pipeline) *Conn {
	return &Conn{
		nc:    nc,
		codec: protocol.NewCodec(nc, bootstrap),
	}
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// Fuzz returns the negotiated parameters, or nil before establishment.
func (c *Conn) Fuzz() *obfs.FuzzParams {
	if c.State() != StateEstablished {
		return nil
	}
	return c.fuzz
}

func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Send writes one packet. It is safe for concurrent use.
func (c *Conn) Send(p protocol.Packet) error {
	if isSessionPacket(p) && c.State() != StateEstablished {
		return fmt.Errorf("send %s in state %s: %w", p.Type(), c.State(), ErrNotEstablished)
	}
	return c.codec.WritePacket(p)
}

// Recv reads one packet. It must be called from a single goroutine.
func (c *Conn) Recv() (protocol.Packet, error) {
	p, err := c.codec.ReadPacket()
	if err != nil {
		return nil, err
	}
	if isSessionPacket(p) && c.State() != StateEstablished {
		return nil, fmt.Errorf("received %s in state %s: %w", p.Type(), c.State(), ErrNotEstablished)
	}
	return p, nil
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

func isSessionPacket(p protocol.Packet) bool {
	switch p.(type) {
	case *protocol.Hello, *protocol.HandShake:
		return false
	case *protocol.Request, *protocol.Reply, *protocol.Relaying, *protocol.Close:
		return true
	default:
		return true
	}
}
