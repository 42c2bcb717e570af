package obfs

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned when wrapped bytes cannot be unwrapped. It means
// either corruption or an active probe, so callers must not ignore it.
var ErrMalformed = errors.New("obfs: malformed input")

// lengthFieldSize is the size of the frame length sealed by a Framer.
const lengthFieldSize = 4

// Transformer wraps plaintext into wire bytes and back.
type Transformer interface {
	Wrap(plaintext []byte) ([]byte, error)
	Unwrap(wire []byte) ([]byte, error)
}

// Framer seals the length of each wire unit into a block of LengthSize
// bytes so unit boundaries cannot be read off the wire.
type Framer interface {
	LengthSize() int
	SealLength(n int) ([]byte, error)
	OpenLength(block []byte) (int, error)
}

// Pipeline is everything a codec needs to put frames on the wire.
type Pipeline interface {
	Transformer
	Framer
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}

func checkLength(n int) error {
	if n < 0 || uint64(n) > 1<<32-1 {
		return fmt.Errorf("obfs: length %d out of range", n)
	}
	return nil
}
