package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/fsocks/internal/obfs"
)

const (
	headerSize  = 1 + 4
	idPairSize  = 4 + 4
	maxNonceLen = 255
)

var errShort = errors.New("short payload")

// Marshal encodes p as an inner frame: [type u8][payload length u32][payload].
func Marshal(p Packet) ([]byte, error) {
	var payload []byte

	switch p := p.(type) {
	case *Hello:
		if len(p.Nonce) > maxNonceLen {
			return nil, fmt.Errorf("hello nonce too long: %d", len(p.Nonce))
		}
		payload = append([]byte{byte(len(p.Nonce))}, p.Nonce...)
	case *HandShake:
		payload = binary.BigEndian.AppendUint64(nil, uint64(p.Timestamp))
		if p.Fuzz == nil {
			payload = append(payload, 0)
			break
		}
		fb, err := p.Fuzz.MarshalBinary()
		if err != nil {
			return nil, err
		}
		payload = append(append(payload, 1), fb...)
	case *Request:
		if p.Msg == nil {
			return nil, errors.New("request without message")
		}
		var buf bytes.Buffer
		buf.Write(appendIDs(nil, p.Src, p.Dst))
		if _, err := p.Msg.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("request message: %w", err)
		}
		payload = buf.Bytes()
	case *Reply:
		if p.Msg == nil {
			return nil, errors.New("reply without message")
		}
		var buf bytes.Buffer
		buf.Write(appendIDs(nil, p.Src, p.Dst))
		if _, err := p.Msg.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("reply message: %w", err)
		}
		payload = buf.Bytes()
	case *Relaying:
		payload = append(appendIDs(make([]byte, 0, idPairSize+len(p.Payload)), p.Src, p.Dst), p.Payload...)
	case *Close:
		payload = binary.BigEndian.AppendUint32(nil, p.Src)
	default:
		return nil, fmt.Errorf("unknown packet %T", p)
	}

	frame := make([]byte, headerSize, headerSize+len(payload))
	frame[0] = byte(p.Type())
	binary.BigEndian.PutUint32(frame[1:], uint32(len(payload)))
	return append(frame, payload...), nil
}

// Unmarshal decodes one inner frame produced by Marshal. The frame must be
// consumed exactly.
func Unmarshal(frame []byte) (Packet, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("frame header: %w", errShort)
	}
	t := Type(frame[0])
	n := binary.BigEndian.Uint32(frame[1:headerSize])
	payload := frame[headerSize:]
	if uint64(n) != uint64(len(payload)) {
		return nil, fmt.Errorf("%s: payload length %d, frame carries %d", t, n, len(payload))
	}

	switch t {
	case TypeHello:
		if len(payload) < 1 || int(payload[0]) != len(payload)-1 {
			return nil, fmt.Errorf("hello: bad nonce length")
		}
		p := &Hello{}
		if payload[0] > 0 {
			p.Nonce = append([]byte{}, payload[1:]...)
		}
		return p, nil
	case TypeHandShake:
		if len(payload) < 9 {
			return nil, fmt.Errorf("handshake: %w", errShort)
		}
		p := &HandShake{Timestamp: int64(binary.BigEndian.Uint64(payload))}
		switch payload[8] {
		case 0:
			if len(payload) != 9 {
				return nil, errors.New("handshake: trailing bytes")
			}
		case 1:
			p.Fuzz = &obfs.FuzzParams{}
			if err := p.Fuzz.UnmarshalBinary(payload[9:]); err != nil {
				return nil, fmt.Errorf("handshake: %w", err)
			}
		default:
			return nil, fmt.Errorf("handshake: bad fuzz flag %d", payload[8])
		}
		return p, nil
	case TypeRequest:
		src, dst, rest, err := readIDs(payload)
		if err != nil {
			return nil, fmt.Errorf("request: %w", err)
		}
		r := bytes.NewReader(rest)
		msg, err := txsocks5.NewRequestFrom(r)
		if err != nil {
			return nil, fmt.Errorf("request message: %w", err)
		}
		if r.Len() != 0 {
			return nil, errors.New("request: trailing bytes")
		}
		return &Request{Src: src, Dst: dst, Msg: msg}, nil
	case TypeReply:
		src, dst, rest, err := readIDs(payload)
		if err != nil {
			return nil, fmt.Errorf("reply: %w", err)
		}
		r := bytes.NewReader(rest)
		msg, err := txsocks5.NewReplyFrom(r)
		if err != nil {
			return nil, fmt.Errorf("reply message: %w", err)
		}
		if r.Len() != 0 {
			return nil, errors.New("reply: trailing bytes")
		}
		return &Reply{Src: src, Dst: dst, Msg: msg}, nil
	case TypeRelaying:
		src, dst, rest, err := readIDs(payload)
		if err != nil {
			return nil, fmt.Errorf("relaying: %w", err)
		}
		return &Relaying{Src: src, Dst: dst, Payload: append([]byte{}, rest...)}, nil
	case TypeClose:
		if len(payload) != 4 {
			return nil, fmt.Errorf("close: payload length %d", len(payload))
		}
		return &Close{Src: binary.BigEndian.Uint32(payload)}, nil
	default:
		return nil, fmt.Errorf("unknown packet type %d", byte(t))
	}
}

func appendIDs(b []byte, src, dst uint32) []byte {
	b = binary.BigEndian.AppendUint32(b, src)
	return binary.BigEndian.AppendUint32(b, dst)
}

func readIDs(b []byte) (src, dst uint32, rest []byte, err error) {
	if len(b) < idPairSize {
		return 0, 0, nil, errShort
	}
	return binary.BigEndian.Uint32(b), binary.BigEndian.Uint32(b[4:]), b[idPairSize:], nil
}
