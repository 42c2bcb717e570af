package protocol

import (
	"fmt"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/fsocks/internal/obfs"
)

// Type tags a packet kind on the wire.
type Type byte

const (
	TypeHello Type = iota + 1
	TypeHandShake
	TypeRequest
	TypeReply
	TypeRelaying
	TypeClose
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeHandShake:
		return "HandShake"
	case TypeRequest:
		return "Request"
	case TypeReply:
		return "Reply"
	case TypeRelaying:
		return "Relaying"
	case TypeClose:
		return "Close"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// Packet is implemented only by the six packet types in this package.
type Packet interface {
	Type() Type
	packet()
}

// Hello opens negotiation (client to server).
type Hello struct {
	Nonce []byte
}

// HandShake carries the server timestamp, echoed by the client, and the
// negotiated fuzz parameters when sent by the server.
type HandShake struct {
	Timestamp int64
	Fuzz      *obfs.FuzzParams
}

// Request asks the server to connect to Msg's destination on behalf of
// session Src. Dst is always zero.
type Request struct {
	Src uint32
	Dst uint32
	Msg *txsocks5.Request
}

// Reply reports the connect result for session Dst; Src is the id the server
// assigned to the outbound connection.
type Reply struct {
	Src uint32
	Dst uint32
	Msg *txsocks5.Reply
}

// Relaying carries application bytes in either direction.
type Relaying struct {
	Src     uint32
	Dst     uint32
	Payload []byte
}

// Close tears down the session whose client-side id is Src.
type Close struct {
	Src uint32
}

func (*Hello) Type() Type     { return TypeHello }
func (*HandShake) Type() Type { return TypeHandShake }
func (*Request) Type() Type   { return TypeRequest }
func (*Reply) Type() Type     { return TypeReply }
func (*Relaying) Type() Type  { return TypeRelaying }
func (*Close) Type() Type     { return TypeClose }

func (*Hello) packet()     {}
func (*HandShake) packet() {}
func (*Request) packet()   {}
func (*Reply) packet()     {}
func (*Relaying) packet()  {}
func (*Close) packet()     {}

func (p *Hello) String() string {
	return fmt.Sprintf("Hello(nonce=%d bytes)", len(p.Nonce))
}

func (p *HandShake) String() string {
	if p.Fuzz == nil {
		return fmt.Sprintf("HandShake(ts=%d)", p.Timestamp)
	}
	return fmt.Sprintf("HandShake(ts=%d %s)", p.Timestamp, p.Fuzz)
}

func (p *Request) String() string {
	return fmt.Sprintf("Request(%d->%d %s)", p.Src, p.Dst, p.Msg.Address())
}

func (p *Reply) String() string {
	return fmt.Sprintf("Reply(%d->%d rep=%d %s)", p.Src, p.Dst, p.Msg.Rep, p.Msg.Address())
}

func (p *Relaying) String() string {
	return fmt.Sprintf("Relaying(%d->%d %d bytes)", p.Src, p.Dst, len(p.Payload))
}

func (p *Close) String() string {
	return fmt.Sprintf("Close(%d)", p.Src)
}
