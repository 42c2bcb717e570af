package tunnel

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/fsocks/internal/dialer"
	"github.com/die-net/fsocks/internal/protocol"
)

const (
	DefaultBufferSize = 16 * 1024
	DefaultMaxPadding = 64

	// MaxBufferSize is the largest accepted BufferSize. A Relaying frame
	// this big still fits protocol.MaxWireSize with maximum padding.
	MaxBufferSize = protocol.MaxWireSize / 2
)

// Config is shared by both tunnel ends.
type Config struct {
	// Secret keys the bootstrap cipher and the stream AEAD.
	Secret string

	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// UserTimeout bounds how long unacknowledged tunnel data may stay in
	// flight before the kernel drops the connection. Zero leaves the system
	// default.
	UserTimeout time.Duration

	// BufferSize is the largest Relaying payload read from one socket read.
	BufferSize int

	Logger logrus.FieldLogger
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

func (c Config) validate() error {
	if c.BufferSize > MaxBufferSize {
		return fmt.Errorf("buffer size %d exceeds %d", c.BufferSize, MaxBufferSize)
	}
	return nil
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return c.BufferSize
}

// ServerConfig configures the remote peer.
type ServerConfig struct {
	Config

	// Dialer performs the outbound connects.
	Dialer dialer.Dialer

	// MinPadding and MaxPadding bound the fuzz padding offered to clients.
	MinPadding uint16
	MaxPadding uint16
}
