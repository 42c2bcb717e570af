package obfs

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const aeadInfo = "fsocks-stream-v1"

var (
	frameAD  = []byte("frame")
	lengthAD = []byte("length")
)

// AEAD seals each frame with XChaCha20-Poly1305 under a random nonce.
// Wire layout: [nonce][ciphertext+tag].
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD derives a stream key from secret and salt with HKDF-SHA256.
func NewAEAD(secret string, salt []byte) (*AEAD, error) {
	if secret == "" {
		return nil, errors.New("aead: empty secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), salt, []byte(aeadInfo)), key); err != nil {
		return nil, fmt.Errorf("aead key: %w", err)
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return &AEAD{aead: a}, nil
}

func (a *AEAD) Wrap(plaintext []byte) ([]byte, error) {
	return a.seal(plaintext, frameAD)
}

func (a *AEAD) Unwrap(wire []byte) ([]byte, error) {
	return a.open(wire, frameAD)
}

// LengthSize is the size of a sealed length block: nonce, four length
// bytes and the tag.
func (a *AEAD) LengthSize() int {
	return a.aead.NonceSize() + lengthFieldSize + a.aead.Overhead()
}

// SealLength seals n under its own additional data so a length block never
// opens as a frame or the other way round.
func (a *AEAD) SealLength(n int) ([]byte, error) {
	if err := checkLength(n); err != nil {
		return nil, err
	}
	return a.seal(binary.BigEndian.AppendUint32(nil, uint32(n)), lengthAD)
}

func (a *AEAD) OpenLength(block []byte) (int, error) {
	if len(block) != a.LengthSize() {
		return 0, malformed("aead: length block of %d bytes", len(block))
	}
	b, err := a.open(block, lengthAD)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

func (a *AEAD) seal(plaintext, ad []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	out := make([]byte, ns, ns+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("aead nonce: %w", err)
	}
	return a.aead.Seal(out, out[:ns], plaintext, ad), nil
}

func (a *AEAD) open(wire, ad []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(wire) < ns+a.aead.Overhead() {
		return nil, malformed("aead: short input %d", len(wire))
	}
	plaintext, err := a.aead.Open(nil, wire[:ns], wire[ns:], ad)
	if err != nil {
		return nil, malformed("aead: %v", err)
	}
	return plaintext, nil
}
