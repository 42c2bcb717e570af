package obfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	bootstrapSalt       = "fsocks-bootstrap-v1"
	bootstrapIterations = 4096
	bootstrapKeySize    = 32
)

// Bootstrap is AES-256-CBC with a fresh random IV per wrap and PKCS#7
// padding. Wire layout: [IV][ciphertext].
type Bootstrap struct {
	block cipher.Block
}

// NewBootstrap derives the bootstrap key from secret.
func NewBootstrap(secret string) (*Bootstrap, error) {
	if secret == "" {
		return nil, errors.New("bootstrap: empty secret")
	}
	key := pbkdf2.Key([]byte(secret), []byte(bootstrapSalt), bootstrapIterations, bootstrapKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return &Bootstrap{block: block}, nil
}

func (b *Bootstrap) Wrap(plaintext []byte) ([]byte, error) {
	bs := b.block.BlockSize()
	padLen := bs - len(plaintext)%bs

	out := make([]byte, bs+len(plaintext)+padLen)
	iv := out[:bs]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("bootstrap iv: %w", err)
	}

	body := out[bs:]
	copy(body, plaintext)
	for i := len(plaintext); i < len(body); i++ {
		body[i] = byte(padLen)
	}
	cipher.NewCBCEncrypter(b.block, iv).CryptBlocks(body, body)
	return out, nil
}

func (b *Bootstrap) Unwrap(wire []byte) ([]byte, error) {
	bs := b.block.BlockSize()
	if len(wire) < 2*bs || len(wire)%bs != 0 {
		return nil, malformed("bootstrap: bad ciphertext length %d", len(wire))
	}

	body := make([]byte, len(wire)-bs)
	cipher.NewCBCDecrypter(b.block, wire[:bs]).CryptBlocks(body, wire[bs:])

	padLen := int(body[len(body)-1])
	if padLen == 0 || padLen > bs {
		return nil, malformed("bootstrap: bad padding")
	}
	for _, p := range body[len(body)-padLen:] {
		if int(p) != padLen {
			return nil, malformed("bootstrap: bad padding")
		}
	}
	return body[:len(body)-padLen], nil
}

// LengthSize is one IV plus one cipher block.
func (b *Bootstrap) LengthSize() int {
	return 2 * b.block.BlockSize()
}

func (b *Bootstrap) SealLength(n int) ([]byte, error) {
	if err := checkLength(n); err != nil {
		return nil, err
	}
	return b.Wrap(binary.BigEndian.AppendUint32(nil, uint32(n)))
}

func (b *Bootstrap) OpenLength(block []byte) (int, error) {
	if len(block) != b.LengthSize() {
		return 0, malformed("bootstrap: length block of %d bytes", len(block))
	}
	p, err := b.Unwrap(block)
	if err != nil {
		return 0, err
	}
	if len(p) != lengthFieldSize {
		return 0, malformed("bootstrap: length field of %d bytes", len(p))
	}
	return int(binary.BigEndian.Uint32(p)), nil
}
