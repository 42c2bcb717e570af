package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/fsocks/internal/socks5"
)

// SessionOpener carries an accepted CONNECT to its destination. OpenSession
// owns conn and returns when the session ends.
type SessionOpener interface {
	OpenSession(ctx context.Context, conn net.Conn, req *txsocks5.Request) error
}

type SOCKS5Server struct {
	ctx    context.Context
	cfg    Config
	opener SessionOpener
	log    logrus.FieldLogger

	wg sync.WaitGroup
}

func NewSOCKS5Server(ctx context.Context, cfg Config, opener SessionOpener) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, opener: opener, log: cfg.logger()}
}

// Serve accepts connections until ln is closed, then waits for in-flight
// connections to finish. Closing ln after the server context is canceled is
// a clean shutdown and returns nil.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	defer s.wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Go(func() {
			if err := s.handleConn(c); err != nil {
				s.log.WithError(err).WithField("client", c.RemoteAddr().String()).Debug("socks5 connection ended")
			}
		})
	}
}

func (s *SOCKS5Server) handleConn(conn net.Conn) error {
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := socks5.ServerGreet(conn); err != nil {
		return err
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		return err
	}

	if req.Cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(conn, req.Atyp)
		return fmt.Errorf("unsupported command %d", req.Cmd)
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return s.opener.OpenSession(ctx, conn, req)
}
