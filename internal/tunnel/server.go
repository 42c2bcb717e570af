package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/fsocks/internal/dialer"
	"github.com/die-net/fsocks/internal/obfs"
	"github.com/die-net/fsocks/internal/protocol"
	"github.com/die-net/fsocks/internal/proxy"
	"github.com/die-net/fsocks/internal/sockopt"
	"github.com/die-net/fsocks/internal/socks5"
)

// Server is the remote end of the tunnel. Each accepted tunnel connection
// gets its own handshake and its own set of outbound connections.
type Server struct {
	cfg  ServerConfig
	log  logrus.FieldLogger
	pool *proxy.BufferPool

	wg sync.WaitGroup
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Secret == "" {
		return nil, errors.New("tunnel server: empty secret")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("tunnel server: missing dialer")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("tunnel server: %w", err)
	}
	if cfg.MinPadding == 0 && cfg.MaxPadding == 0 {
		cfg.MaxPadding = DefaultMaxPadding
	}
	fp := obfs.FuzzParams{MinPad: cfg.MinPadding, MaxPad: cfg.MaxPadding}
	if err := fp.Validate(); err != nil {
		return nil, fmt.Errorf("tunnel server: %w", err)
	}

	return &Server{
		cfg:  cfg,
		log:  cfg.logger(),
		pool: proxy.NewBufferPool(cfg.bufferSize()),
	}, nil
}

// Serve accepts tunnel connections on ln until ctx is canceled or ln fails.
// It closes ln and waits for every tunnel to wind down before returning.
// Cancellation returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
				return nil
			}
			_ = ln.Close()
			return fmt.Errorf("accept: %w", err)
		}
		if err := sockopt.SetUserTimeout(c, s.cfg.UserTimeout); err != nil {
			s.log.WithError(err).Warn("set tcp user timeout")
		}
		s.wg.Go(func() { s.serveTunnel(ctx, c) })
	}
}

func (s *Server) serveTunnel(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	log := s.log.WithField("tunnel", nc.RemoteAddr().String())

	conn, err := ServerHandshake(ctx, nc, s.cfg)
	if err != nil {
		log.WithError(err).Info("handshake failed")
		return
	}
	log.WithField("fuzz", conn.Fuzz()).Info("tunnel established")

	t := &serverTunnel{
		conn:      conn,
		dialer:    s.cfg.Dialer,
		log:       log,
		pool:      s.pool,
		outbounds: newTable[*outbound](),
		bySession: make(map[uint32]*outbound),
	}
	err = t.run(ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Info("tunnel closed")
	default:
		log.WithError(err).Warn("tunnel lost")
	}
}

// outbound is one destination connection opened on behalf of a client
// session. Its id is the remote id the client addresses it by.
type outbound struct {
	id        uint32
	sessionID uint32
	conn      net.Conn
	log       logrus.FieldLogger

	closed atomic.Bool
}

// serverTunnel multiplexes outbound connections over one tunnel.
type serverTunnel struct {
	conn   *Conn
	dialer dialer.Dialer
	log    logrus.FieldLogger
	pool   *proxy.BufferPool

	// outbounds is keyed by remote id.
	outbounds *table[*outbound]

	mu        sync.Mutex
	bySession map[uint32]*outbound
	closed    bool

	wg sync.WaitGroup
}

// run reads the tunnel until it fails or ctx is canceled, then closes every
// outbound connection belonging to this tunnel.
func (t *serverTunnel) run(ctx context.Context) error {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tctx, func() { _ = t.conn.Close() })
	defer stop()

	err := t.readLoop(tctx)
	cancel()
	_ = t.conn.Close()
	t.shutdown()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (t *serverTunnel) readLoop(ctx context.Context) error {
	for {
		p, err := t.conn.Recv()
		if err != nil {
			return err
		}
		t.dispatch(ctx, p)
	}
}

func (t *serverTunnel) dispatch(ctx context.Context, p protocol.Packet) {
	switch p := p.(type) {
	case *protocol.Request:
		t.handleRequest(ctx, p)
	case *protocol.Relaying:
		t.handleRelaying(p)
	case *protocol.Close:
		t.handleClose(p)
	case *protocol.Reply, *protocol.Hello, *protocol.HandShake:
		t.log.WithField("packet", p).Warn("unexpected packet on established tunnel")
	default:
		t.log.Errorf("unhandled packet type %T", p)
	}
}

func (t *serverTunnel) handleRequest(ctx context.Context, p *protocol.Request) {
	if p.Msg.Cmd != socks5.CmdConnect {
		t.log.WithField("session", p.Src).Infof("unsupported command %d", p.Msg.Cmd)
		t.reject(p, txsocks5.RepCommandNotSupported)
		return
	}
	t.wg.Go(func() { t.connect(ctx, p) })
}

// connect dials the requested destination, answers the client and then
// relays the destination's bytes until it closes.
func (t *serverTunnel) connect(ctx context.Context, p *protocol.Request) {
	target := p.Msg.Address()
	log := t.log.WithFields(logrus.Fields{"session": p.Src, "target": target})

	up, err := t.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.WithError(err).Info("connect failed")
		t.reject(p, socks5.ReplyCode(err))
		return
	}

	rep, err := socks5.NewSuccessReply(up.LocalAddr())
	if err != nil {
		_ = up.Close()
		log.WithError(err).Warn("build reply")
		t.reject(p, txsocks5.RepServerFailure)
		return
	}

	o, err := t.register(p.Src, up, log)
	if err != nil {
		_ = up.Close()
		log.WithError(err).Debug("register outbound")
		t.reject(p, txsocks5.RepServerFailure)
		return
	}
	o.log.Info("connected")

	if err := t.send(&protocol.Reply{Src: o.id, Dst: p.Src, Msg: rep}); err != nil {
		t.closeOutbound(o, false)
		return
	}

	t.pipeOutbound(o)
}

func (t *serverTunnel) reject(p *protocol.Request, rep byte) {
	msg := socks5.NewFailureReply(rep, p.Msg.Atyp)
	if err := t.send(&protocol.Reply{Src: 0, Dst: p.Src, Msg: msg}); err != nil {
		t.log.WithError(err).Debug("send reply")
	}
}

// pipeOutbound turns destination reads into Relaying packets. When the
// destination ends, the client is told to close the session.
func (t *serverTunnel) pipeOutbound(o *outbound) {
	bp := t.pool.Get()
	defer t.pool.Put(bp)
	buf := *bp

	for {
		n, err := o.conn.Read(buf)
		if n > 0 {
			if serr := t.send(&protocol.Relaying{Src: o.id, Dst: o.sessionID, Payload: buf[:n]}); serr != nil {
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !o.closed.Load() {
				o.log.WithError(err).Debug("read from destination")
			}
			break
		}
	}

	t.closeOutbound(o, true)
}

func (t *serverTunnel) handleRelaying(p *protocol.Relaying) {
	o, ok := t.outbounds.get(p.Dst)
	if !ok || o.sessionID != p.Src {
		t.log.WithFields(logrus.Fields{"session": p.Src, "remote": p.Dst}).Debug("dropping data for unknown outbound")
		return
	}
	if _, err := o.conn.Write(p.Payload); err != nil {
		o.log.WithError(err).Debug("write to destination")
		t.closeOutbound(o, true)
	}
}

func (t *serverTunnel) handleClose(p *protocol.Close) {
	t.mu.Lock()
	o, ok := t.bySession[p.Src]
	t.mu.Unlock()
	if !ok {
		return
	}
	o.log.Debug("client closed session")
	t.closeOutbound(o, false)
}

func (t *serverTunnel) register(sessionID uint32, up net.Conn, log logrus.FieldLogger) (*outbound, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, net.ErrClosed
	}
	o, err := t.outbounds.add(func(id uint32) *outbound {
		return &outbound{id: id, sessionID: sessionID, conn: up, log: log.WithField("remote", id)}
	})
	if err != nil {
		return nil, err
	}
	// A previous outbound for this session id may still be unwinding after
	// its Close went out; the new one takes over the mapping.
	t.bySession[sessionID] = o
	return o, nil
}

// closeOutbound tears o down once. With notify set the client is sent a
// Close before the remote id is freed.
func (t *serverTunnel) closeOutbound(o *outbound, notify bool) {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	_ = o.conn.Close()

	if notify {
		if err := t.send(&protocol.Close{Src: o.sessionID}); err != nil {
			o.log.WithError(err).Debug("send close")
		}
	}

	t.mu.Lock()
	if t.bySession[o.sessionID] == o {
		delete(t.bySession, o.sessionID)
	}
	t.mu.Unlock()
	t.outbounds.remove(o.id, o)
}

// send writes p to the tunnel. A write failure kills the tunnel so the
// read loop ends.
func (t *serverTunnel) send(p protocol.Packet) error {
	if err := t.conn.Send(p); err != nil {
		_ = t.conn.Close()
		return err
	}
	return nil
}

func (t *serverTunnel) shutdown() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	outbounds := t.outbounds.drain()
	if len(outbounds) > 0 {
		t.log.WithField("outbounds", len(outbounds)).Info("closing outbound connections")
	}
	for _, o := range outbounds {
		if o.closed.CompareAndSwap(false, true) {
			_ = o.conn.Close()
		}
	}
	t.wg.Wait()

	t.mu.Lock()
	clear(t.bySession)
	t.mu.Unlock()
}
