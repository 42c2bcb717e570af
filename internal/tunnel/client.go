package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/fsocks/internal/protocol"
	"github.com/die-net/fsocks/internal/proxy"
	"github.com/die-net/fsocks/internal/sockopt"
	"github.com/die-net/fsocks/internal/socks5"
)

// Client multiplexes local SOCKS5 sessions over one established tunnel.
// It owns the session table; nothing else mutates it.
type Client struct {
	cfg  Config
	conn *Conn
	log  logrus.FieldLogger
	pool *proxy.BufferPool

	sessions *table[*session]

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Dial connects to the tunnel server at address and completes the
// handshake. Connection and handshake errors wrap ErrNegotiation; an invalid
// cfg is rejected before dialing.
func Dial(ctx context.Context, address string, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("tunnel client: %w", err)
	}
	d := net.Dialer{
		Timeout:         cfg.NegotiationTimeout,
		KeepAliveConfig: cfg.KeepAlive,
		Control:         sockopt.Control(cfg.UserTimeout),
	}
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNegotiation, address, err)
	}

	conn, err := ClientHandshake(ctx, nc, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}

	return NewClient(conn, cfg)
}

// NewClient wraps an established tunnel connection.
func NewClient(conn *Conn, cfg Config) (*Client, error) {
	if conn.State() != StateEstablished {
		return nil, fmt.Errorf("new client in state %s: %w", conn.State(), ErrNotEstablished)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("tunnel client: %w", err)
	}
	return &Client{
		cfg:      cfg,
		conn:     conn,
		log:      cfg.logger().WithField("tunnel", conn.RemoteAddr().String()),
		pool:     proxy.NewBufferPool(cfg.bufferSize()),
		sessions: newTable[*session](),
	}, nil
}

// Fuzz describes the negotiated obfuscation for logging.
func (c *Client) Fuzz() string {
	if f := c.conn.Fuzz(); f != nil {
		return f.String()
	}
	return ""
}

// Sessions returns the number of live sessions.
func (c *Client) Sessions() int {
	return c.sessions.len()
}

// Run reads the tunnel until it fails or ctx is canceled. Either way every
// session is torn down and waited for before Run returns. A tunnel failure
// is reported as an error wrapping ErrTunnelLost; cancellation returns nil.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	err := c.readLoop()
	_ = c.conn.Close()
	c.shutdown()

	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %w", ErrTunnelLost, err)
}

func (c *Client) readLoop() error {
	for {
		p, err := c.conn.Recv()
		if err != nil {
			return err
		}
		c.dispatch(p)
	}
}

func (c *Client) dispatch(p protocol.Packet) {
	switch p := p.(type) {
	case *protocol.Reply:
		c.handleReply(p)
	case *protocol.Relaying:
		c.handleRelaying(p)
	case *protocol.Close:
		c.handleClose(p)
	case *protocol.Request, *protocol.Hello, *protocol.HandShake:
		c.log.WithField("packet", p).Warn("unexpected packet on established tunnel")
	default:
		c.log.Errorf("unhandled packet type %T", p)
	}
}

func (c *Client) handleReply(p *protocol.Reply) {
	s, ok := c.sessions.get(p.Dst)
	if !ok {
		c.dropUnknownReply(p)
		return
	}

	success := p.Msg.Rep == txsocks5.RepSuccess
	if success {
		switch err := s.establish(p.Src); {
		case errors.Is(err, errSessionClosed):
			// Lost the race with the local side closing; the id is reserved.
			c.dropUnknownReply(p)
			return
		case err != nil:
			s.logger().WithField("packet", p).Warn("duplicate reply")
			return
		}
	}

	if _, err := p.Msg.WriteTo(s.conn); err != nil {
		s.logger().WithError(err).Debug("write reply to local connection")
		if success {
			c.closeSession(s)
			return
		}
	}

	if !success {
		s.logger().WithField("rep", p.Msg.Rep).Info("remote connect failed")
		removed := s.claim(func(bool) { c.sessions.remove(s.id, s) })
		if !removed {
			// The local side closed first and reserved the id; the server
			// holds nothing for it now.
			c.sessions.release(s.id)
		}
		s.abort()
	}
}

// dropUnknownReply handles a Reply for a session that is already gone. A
// successful Reply means the server now holds an outbound connection nobody
// will use, so it is told to close it. A reserved id goes back into
// circulation either way.
func (c *Client) dropUnknownReply(p *protocol.Reply) {
	log := c.log.WithField("session", p.Dst)
	if p.Msg.Rep == txsocks5.RepSuccess {
		log.Debug("closing remote side of abandoned session")
		if err := c.send(&protocol.Close{Src: p.Dst}); err != nil {
			log.WithError(err).Debug("send close")
		}
	} else {
		log.Debug("dropping reply for unknown session")
	}
	c.sessions.release(p.Dst)
}

func (c *Client) handleRelaying(p *protocol.Relaying) {
	s, ok := c.sessions.get(p.Dst)
	if !ok {
		c.log.WithField("session", p.Dst).Debug("dropping data for unknown session")
		return
	}
	if _, err := s.conn.Write(p.Payload); err != nil {
		s.logger().WithError(err).Debug("write to local connection")
		c.closeSession(s)
	}
}

func (c *Client) handleClose(p *protocol.Close) {
	s, ok := c.sessions.get(p.Src)
	if !ok {
		return
	}
	s.logger().Debug("remote closed session")
	s.claim(func(bool) { c.sessions.remove(s.id, s) })
	s.abort()
}

// OpenSession implements proxy.SessionOpener. It registers a session for
// conn, asks the server to connect to req's destination and relays local
// bytes until the local side ends, the server closes the session, or the
// tunnel dies.
func (c *Client) OpenSession(ctx context.Context, conn net.Conn, req *txsocks5.Request) error {
	if !c.enter() {
		socks5.WriteFailureReply(conn, txsocks5.RepServerFailure, req.Atyp)
		return ErrTunnelLost
	}
	defer c.wg.Done()

	s, err := c.sessions.add(func(id uint32) *session {
		return newSession(id, conn, c.log)
	})
	if err != nil {
		socks5.WriteFailureReply(conn, txsocks5.RepServerFailure, req.Atyp)
		return err
	}
	defer c.closeSession(s)

	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	s.logger().WithField("target", req.Address()).Info("connecting")

	s.requested.Store(true)
	if err := c.send(&protocol.Request{Src: s.id, Msg: req}); err != nil {
		return err
	}

	return c.pipeLocal(ctx, s)
}

// pipeLocal turns local reads into Relaying packets. Bytes read before the
// server's Reply are held until the session is established.
func (c *Client) pipeLocal(ctx context.Context, s *session) error {
	bp := c.pool.Get()
	defer c.pool.Put(bp)
	buf := *bp

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if werr := s.waitEstablished(ctx); werr != nil {
				return werr
			}
			if werr := c.relay(s, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || s.aborted() {
				return nil
			}
			return err
		}
	}
}

func (c *Client) relay(s *session, data []byte) error {
	remoteID, ok := s.remote()
	if !ok {
		return fmt.Errorf("relay on session %d: %w", s.id, ErrNotEstablished)
	}
	return c.send(&protocol.Relaying{Src: s.id, Dst: remoteID, Payload: data})
}

// closeSession tears s down after the local side ended. The server is told
// only if it knows the session; a Close always goes out before the id can
// be reused.
func (c *Client) closeSession(s *session) {
	defer s.abort()

	var established bool
	won := s.claim(func(est bool) {
		established = est
		switch {
		case est:
		case s.requested.Load():
			// The server may still answer this id; keep it out of
			// circulation until it does.
			c.sessions.reserve(s.id, s)
		default:
			c.sessions.remove(s.id, s)
		}
	})
	if !won || !established {
		return
	}

	s.logger().Debug("local side closed")
	if err := c.send(&protocol.Close{Src: s.id}); err != nil {
		s.logger().WithError(err).Debug("send close")
	}
	c.sessions.remove(s.id, s)
}

// send writes p to the tunnel. A write failure kills the tunnel so Run
// notices and tears everything down.
func (c *Client) send(p protocol.Packet) error {
	if err := c.conn.Send(p); err != nil {
		_ = c.conn.Close()
		return err
	}
	return nil
}

func (c *Client) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	sessions := c.sessions.drain()
	if len(sessions) > 0 {
		c.log.WithField("sessions", len(sessions)).Warn("tearing down sessions")
	}
	for _, s := range sessions {
		s.claim(nil)
		s.abort()
	}
	c.wg.Wait()
}
