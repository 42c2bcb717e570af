package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/die-net/fsocks/internal/obfs"
)

// MaxWireSize bounds one wrapped frame on the wire, not counting its sealed
// length block.
const MaxWireSize = 1 << 20

var (
	// ErrTruncated is returned when the stream ends in the middle of a
	// frame. A stream ending between frames yields io.EOF instead.
	ErrTruncated = errors.New("protocol: truncated frame")

	// ErrDecode is returned when a frame cannot be unwrapped or parsed.
	// The stream cannot be resynchronized after it.
	ErrDecode = errors.New("protocol: decode failed")
)

type pipeline struct {
	obfs.Pipeline
}

// Codec reads and writes packets on one ordered byte stream. Each wire unit
// is the frame length sealed by the pipeline followed by the wrapped frame.
// Writes are serialized so frames from concurrent writers never interleave;
// reads must come from a single goroutine.
type Codec struct {
	br *bufio.Reader
	w  io.Writer

	wmu sync.Mutex
	t   atomic.Pointer[pipeline]
}

func NewCodec(rw io.ReadWriter, t obfs.Pipeline) *Codec {
	c := &Codec{
		br: bufio.NewReader(rw),
		w:  rw,
	}
	c.SetTransformer(t)
	return c
}

// SetTransformer switches the pipeline used for subsequent frames in both
// directions.
func (c *Codec) SetTransformer(t obfs.Pipeline) {
	c.t.Store(&pipeline{Pipeline: t})
}

// WritePacket marshals, wraps and writes p as a single Write call.
func (c *Codec) WritePacket(p Packet) error {
	frame, err := Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", p.Type(), err)
	}
	t := c.t.Load()
	wrapped, err := t.Wrap(frame)
	if err != nil {
		return fmt.Errorf("wrap %s: %w", p.Type(), err)
	}
	if len(wrapped) > MaxWireSize {
		return fmt.Errorf("%s: wire size %d exceeds %d", p.Type(), len(wrapped), MaxWireSize)
	}
	hdr, err := t.SealLength(len(wrapped))
	if err != nil {
		return fmt.Errorf("seal %s length: %w", p.Type(), err)
	}

	buf := append(hdr, wrapped...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", p.Type(), err)
	}
	return nil
}

// ReadPacket blocks until one complete frame has arrived and returns the
// decoded packet. It returns io.EOF only on a clean end of stream between
// frames.
func (c *Codec) ReadPacket() (Packet, error) {
	t := c.t.Load()

	hdr := make([]byte, t.LengthSize())
	if _, err := io.ReadFull(c.br, hdr); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	n, err := t.OpenLength(hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: length: %w", ErrDecode, err)
	}
	if n == 0 || n > MaxWireSize {
		return nil, fmt.Errorf("%w: wire size %d", ErrDecode, n)
	}

	wrapped := make([]byte, n)
	if _, err := io.ReadFull(c.br, wrapped); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	frame, err := t.Unwrap(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	p, err := Unmarshal(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return p, nil
}
