package tunnel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/die-net/fsocks/internal/obfs"
	"github.com/die-net/fsocks/internal/protocol"
)

const nonceSize = 16

// ClientHandshake negotiates the tunnel on nc and returns an established
// Conn. Errors wrap ErrNegotiation. nc is not closed on failure.
func ClientHandshake(ctx context.Context, nc net.Conn, cfg Config) (*Conn, error) {
	boot, err := obfs.NewBootstrap(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	c := newConn(nc, boot)

	done := negotiationDeadline(ctx, nc, cfg.NegotiationTimeout)
	defer done()

	if err := c.clientHandshake(cfg.Secret); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	return c, nil
}

func (c *Conn) clientHandshake(secret string) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("hello nonce: %w", err)
	}

	if err := c.Send(&protocol.Hello{Nonce: nonce}); err != nil {
		return err
	}
	c.setState(StateHelloSent)

	offer, err := c.recvHandShake()
	if err != nil {
		return err
	}
	if offer.Fuzz == nil {
		return errors.New("handshake offer without fuzz parameters")
	}

	if err := c.Send(&protocol.HandShake{Timestamp: offer.Timestamp}); err != nil {
		return err
	}
	c.setState(StateHandShakeSent)

	ack, err := c.recvHandShake()
	if err != nil {
		return err
	}
	if ack.Timestamp != offer.Timestamp {
		return fmt.Errorf("handshake timestamp mismatch: %d != %d", ack.Timestamp, offer.Timestamp)
	}
	if ack.Fuzz == nil {
		return errors.New("handshake acknowledgment without fuzz parameters")
	}

	return c.establish(secret, ack.Fuzz, nonce)
}

// ServerHandshake answers a client handshake on nc with freshly chosen fuzz
// parameters and returns an established Conn. Errors wrap ErrNegotiation.
func ServerHandshake(ctx context.Context, nc net.Conn, cfg ServerConfig) (*Conn, error) {
	boot, err := obfs.NewBootstrap(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	c := newConn(nc, boot)

	done := negotiationDeadline(ctx, nc, cfg.NegotiationTimeout)
	defer done()

	if err := c.serverHandshake(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	return c, nil
}

func (c *Conn) serverHandshake(cfg ServerConfig) error {
	p, err := c.Recv()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	hello, ok := p.(*protocol.Hello)
	if !ok {
		return fmt.Errorf("expected Hello, got %s", p.Type())
	}
	c.setState(StateHelloSent)

	fuzz, err := obfs.RandomFuzzParams(cfg.MinPadding, cfg.MaxPadding)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()

	if err := c.Send(&protocol.HandShake{Timestamp: ts, Fuzz: fuzz}); err != nil {
		return err
	}
	c.setState(StateHandShakeSent)

	echo, err := c.recvHandShake()
	if err != nil {
		return err
	}
	if echo.Timestamp != ts {
		return fmt.Errorf("handshake echo mismatch: %d != %d", echo.Timestamp, ts)
	}

	if err := c.Send(&protocol.HandShake{Timestamp: ts, Fuzz: fuzz}); err != nil {
		return err
	}

	return c.establish(cfg.Secret, fuzz, hello.Nonce)
}

func (c *Conn) recvHandShake() (*protocol.HandShake, error) {
	p, err := c.Recv()
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	hs, ok := p.(*protocol.HandShake)
	if !ok {
		return nil, fmt.Errorf("expected HandShake, got %s", p.Type())
	}
	return hs, nil
}

func (c *Conn) establish(secret string, fuzz *obfs.FuzzParams, nonce []byte) error {
	stream, err := obfs.NewStream(secret, fuzz, nonce)
	if err != nil {
		return fmt.Errorf("install fuzz: %w", err)
	}
	c.codec.SetTransformer(stream)
	params := stream.Params()
	c.fuzz = &params
	c.setState(StateEstablished)
	return nil
}

// negotiationDeadline bounds the handshake by timeout and by ctx. The
// returned func clears the deadline.
func negotiationDeadline(ctx context.Context, nc net.Conn, timeout time.Duration) func() {
	if timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = nc.SetDeadline(time.Time{})
	}
}
