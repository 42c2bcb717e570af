package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/fsocks/internal/socks5"
	internalssh "github.com/die-net/fsocks/internal/ssh"
)

// SSHProxyDialer opens outbound connections as direct-tcpip channels of one
// shared SSH connection. The SSH connection is made on first use; if a
// channel cannot be opened because the connection died, it is replaced once
// and the dial retried.
type SSHProxyDialer struct {
	addr   string
	cfg    internalssh.ClientConfig
	direct Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer authenticates as user with password and any keys from
// cfg.SSHKeySource, verifying the server against cfg.SSHKnownHosts.
func NewSSHProxyDialer(cfg Config, addr, user, password string) (*SSHProxyDialer, error) {
	if user == "" {
		return nil, errors.New("ssh dialer: missing username")
	}
	signers, err := internalssh.Signers(cfg.SSHKeySource)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}
	hostKeys, err := internalssh.HostKeyCallback(cfg.SSHKnownHosts, cfg.logger())
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		addr: addr,
		cfg: internalssh.ClientConfig{
			User:             user,
			Password:         password,
			Signers:          signers,
			HostKeyCallback:  hostKeys,
			HandshakeTimeout: cfg.NegotiationTimeout,
		},
		direct: NewDirectDialer(cfg),
	}, nil
}

// DialContext opens a channel to address. Canceling ctx closes the
// returned conn but not the shared SSH connection.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	conn, err := f.dialChannel(ctx, address)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, channelError(address, err)
		}
		// The SSH connection itself failed; reconnect once.
		f.dropClient()
		if conn, err = f.dialChannel(ctx, address); err != nil {
			return nil, channelError(address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &sshChannelConn{Conn: conn, stop: stop}, nil
}

func (f *SSHProxyDialer) dialChannel(ctx context.Context, address string) (net.Conn, error) {
	client, err := f.sharedClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.DialContext(ctx, "tcp", address)
}

// sharedClient returns the SSH connection, making it if needed. Concurrent
// callers share one attempt; a caller whose ctx ends stops waiting without
// canceling the attempt for the others.
func (f *SSHProxyDialer) sharedClient(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if f.client != nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		c, err := f.connect(context.Background())
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.client = c
		f.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) connect(ctx context.Context) (*ssh.Client, error) {
	conn, err := f.direct.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	return internalssh.Handshake(conn, f.addr, f.cfg)
}

func (f *SSHProxyDialer) dropClient() {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

// Close closes the shared SSH connection and every channel on it.
func (f *SSHProxyDialer) Close() error {
	f.dropClient()
	return nil
}

// channelError attaches the SOCKS5 reply code matching a refused channel so
// the tunnel can report it to the client.
func channelError(address string, err error) error {
	var openErr *ssh.OpenChannelError
	if !errors.As(err, &openErr) {
		return fmt.Errorf("ssh upstream dial %s: %w", address, err)
	}
	rep := txsocks5.RepServerFailure
	switch openErr.Reason {
	case ssh.ConnectionFailed:
		rep = txsocks5.RepHostUnreachable
	case ssh.Prohibited:
		rep = txsocks5.RepNotAllowed
	}
	return fmt.Errorf("ssh upstream dial %s: %w: %w", address, err, &socks5.ReplyError{Rep: rep})
}

type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
