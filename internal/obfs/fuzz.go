package obfs

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand/v2"
)

const (
	// FuzzParamsSize is the encoded size of FuzzParams.
	FuzzParamsSize = 1 + 8 + 2 + 2 + SaltSize

	// SaltSize is the size of the per-tunnel key salt.
	SaltSize = 16

	// MaxPadding bounds FuzzParams.MaxPad.
	MaxPadding = 4096

	fuzzHeaderSize = 2
)

// FuzzParams are chosen by the server during the handshake and fully
// determine the Fuzz transform.
type FuzzParams struct {
	// XOR is applied to every byte after substitution.
	XOR byte
	// Seed selects a byte permutation; zero means identity.
	Seed uint64
	// MinPad and MaxPad bound the random padding appended to each frame.
	MinPad uint16
	MaxPad uint16
	// Salt is mixed into the stream key; see NewAEAD.
	Salt [SaltSize]byte
}

// RandomFuzzParams picks fresh parameters with padding in [minPad, maxPad].
func RandomFuzzParams(minPad, maxPad uint16) (*FuzzParams, error) {
	p := &FuzzParams{
		XOR:    byte(mrand.UintN(256)),
		Seed:   mrand.Uint64(),
		MinPad: minPad,
		MaxPad: maxPad,
	}
	if _, err := rand.Read(p.Salt[:]); err != nil {
		return nil, fmt.Errorf("fuzz salt: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FuzzParams) Validate() error {
	if p.MinPad > p.MaxPad {
		return fmt.Errorf("fuzz: min padding %d > max padding %d", p.MinPad, p.MaxPad)
	}
	if p.MaxPad > MaxPadding {
		return fmt.Errorf("fuzz: max padding %d exceeds %d", p.MaxPad, MaxPadding)
	}
	return nil
}

func (p *FuzzParams) String() string {
	return fmt.Sprintf("fuzz(xor=%#02x seed=%#x pad=%d..%d)", p.XOR, p.Seed, p.MinPad, p.MaxPad)
}

// MarshalBinary encodes p as [xor][seed u64][minPad u16][maxPad u16][salt].
func (p *FuzzParams) MarshalBinary() ([]byte, error) {
	b := make([]byte, FuzzParamsSize)
	b[0] = p.XOR
	binary.BigEndian.PutUint64(b[1:9], p.Seed)
	binary.BigEndian.PutUint16(b[9:11], p.MinPad)
	binary.BigEndian.PutUint16(b[11:13], p.MaxPad)
	copy(b[13:], p.Salt[:])
	return b, nil
}

func (p *FuzzParams) UnmarshalBinary(b []byte) error {
	if len(b) != FuzzParamsSize {
		return fmt.Errorf("fuzz params: want %d bytes, got %d", FuzzParamsSize, len(b))
	}
	p.XOR = b[0]
	p.Seed = binary.BigEndian.Uint64(b[1:9])
	p.MinPad = binary.BigEndian.Uint16(b[9:11])
	p.MaxPad = binary.BigEndian.Uint16(b[11:13])
	copy(p.Salt[:], b[13:])
	return p.Validate()
}

// Fuzz holds the negotiated padding range and a seeded byte permutation
// with an XOR mask. Padded layout: [padLen u16][data][padding]. The padded
// frame is sealed before masking, so the padding length never reaches the
// wire in the clear.
type Fuzz struct {
	params  FuzzParams
	forward [256]byte
	inverse [256]byte
}

func NewFuzz(p *FuzzParams) (*Fuzz, error) {
	if p == nil {
		return nil, errors.New("fuzz: nil params")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	f := &Fuzz{params: *p}
	for i := range f.forward {
		f.forward[i] = byte(i)
	}
	if p.Seed != 0 {
		r := mrand.New(mrand.NewPCG(p.Seed, ^p.Seed))
		r.Shuffle(len(f.forward), func(i, j int) {
			f.forward[i], f.forward[j] = f.forward[j], f.forward[i]
		})
	}
	for i, v := range f.forward {
		f.inverse[v] = byte(i)
	}
	return f, nil
}

// pad appends a random amount of random bytes in [MinPad, MaxPad] behind
// a length header.
func (f *Fuzz) pad(plaintext []byte) ([]byte, error) {
	padLen := int(f.params.MinPad)
	if spread := int(f.params.MaxPad) - padLen; spread > 0 {
		padLen += mrand.IntN(spread + 1)
	}

	out := make([]byte, fuzzHeaderSize+len(plaintext)+padLen)
	binary.BigEndian.PutUint16(out, uint16(padLen))
	copy(out[fuzzHeaderSize:], plaintext)
	if _, err := rand.Read(out[fuzzHeaderSize+len(plaintext):]); err != nil {
		return nil, fmt.Errorf("fuzz padding: %w", err)
	}
	return out, nil
}

func (f *Fuzz) unpad(padded []byte) ([]byte, error) {
	if len(padded) < fuzzHeaderSize {
		return nil, malformed("fuzz: short input %d", len(padded))
	}
	padLen := int(binary.BigEndian.Uint16(padded))
	if padLen > int(f.params.MaxPad) || padLen < int(f.params.MinPad) {
		return nil, malformed("fuzz: padding %d outside %d..%d", padLen, f.params.MinPad, f.params.MaxPad)
	}
	if fuzzHeaderSize+padLen > len(padded) {
		return nil, malformed("fuzz: padding %d exceeds input %d", padLen, len(padded))
	}
	return padded[fuzzHeaderSize : len(padded)-padLen], nil
}

// mask substitutes every byte of b in place.
func (f *Fuzz) mask(b []byte) {
	for i, c := range b {
		b[i] = f.forward[c] ^ f.params.XOR
	}
}

// unmask returns a copy of wire with the substitution undone.
func (f *Fuzz) unmask(wire []byte) []byte {
	out := make([]byte, len(wire))
	for i, c := range wire {
		out[i] = f.inverse[c^f.params.XOR]
	}
	return out
}
