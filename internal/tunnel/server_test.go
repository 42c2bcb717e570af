package tunnel

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/fsocks/internal/dialer"
	"github.com/die-net/fsocks/internal/proxy"
	"github.com/die-net/fsocks/internal/socks5"
	"github.com/die-net/fsocks/internal/testutil"
)

func TestNewServerValidates(t *testing.T) {
	direct := dialer.NewDirectDialer(dialer.Config{})
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{name: "ok", cfg: ServerConfig{Config: Config{Secret: "s"}, Dialer: direct}},
		{name: "explicit_padding", cfg: ServerConfig{Config: Config{Secret: "s"}, Dialer: direct, MinPadding: 8, MaxPadding: 8}},
		{name: "empty_secret", cfg: ServerConfig{Dialer: direct}, wantErr: true},
		{name: "no_dialer", cfg: ServerConfig{Config: Config{Secret: "s"}}, wantErr: true},
		{name: "min_above_max", cfg: ServerConfig{Config: Config{Secret: "s"}, Dialer: direct, MinPadding: 9, MaxPadding: 8}, wantErr: true},
		{name: "max_too_large", cfg: ServerConfig{Config: Config{Secret: "s"}, Dialer: direct, MaxPadding: 65535}, wantErr: true},
		{name: "max_buffer", cfg: ServerConfig{Config: Config{Secret: "s", BufferSize: MaxBufferSize}, Dialer: direct}},
		{name: "buffer_too_large", cfg: ServerConfig{Config: Config{Secret: "s", BufferSize: MaxBufferSize + 1}, Dialer: direct}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

// stack is a full client, server and local SOCKS5 front-end on loopback.
type stack struct {
	socksAddr string
	tunnel    string
	client    *Client
}

func startStack(t *testing.T, ctx context.Context) *stack {
	t.Helper()
	return startStackWith(t, ctx, dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}))
}

// startStackWith runs the stack with the server's outbound connects going
// through d.
func startStackWith(t *testing.T, ctx context.Context, d dialer.Dialer) *stack {
	t.Helper()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	scfg := testServerConfig()
	scfg.Dialer = d
	srv, err := NewServer(scfg)
	if err != nil {
		t.Fatal(err)
	}
	tln, err := proxy.ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	g.Go(func() error { return srv.Serve(gctx, tln) })

	cfg := testConfig()
	cfg.UserTimeout = 5 * time.Second
	client, err := Dial(ctx, tln.Addr().String(), cfg)
	if err != nil {
		cancel()
		_ = g.Wait()
		t.Fatal(err)
	}
	g.Go(func() error { return client.Run(gctx) })

	sln, err := proxy.ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	context.AfterFunc(gctx, func() { _ = sln.Close() })
	front := proxy.NewSOCKS5Server(gctx, proxy.Config{NegotiationTimeout: 2 * time.Second, Logger: testLogger()}, client)
	g.Go(func() error { return front.Serve(sln) })

	t.Cleanup(func() {
		cancel()
		if err := g.Wait(); err != nil {
			t.Errorf("stack shutdown: %v", err)
		}
	})

	return &stack{socksAddr: sln.Addr().String(), tunnel: tln.Addr().String(), client: client}
}

func (s *stack) connect(t *testing.T, target string) (net.Conn, *txsocks5.Reply, error) {
	t.Helper()

	c, err := net.DialTimeout("tcp", s.socksAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	rep, err := socks5.ClientDial(c, target)
	return c, rep, err
}

func TestServerEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	s := startStack(t, ctx)

	c, rep, err := s.connect(t, echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		t.Fatalf("reply %d", rep.Rep)
	}

	testutil.AssertEcho(t, c, c, []byte("hello through the tunnel"))

	big := make([]byte, 48*1024)
	_, _ = rand.Read(big)
	testutil.AssertEcho(t, c, c, big)
}

func TestServerConcurrentSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	s := startStack(t, ctx)

	var g errgroup.Group
	for i := range 8 {
		c, _, err := s.connect(t, echo.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		g.Go(func() error {
			msg := bytes.Repeat([]byte(fmt.Sprintf("session %d ", i)), 200)
			if _, err := c.Write(msg); err != nil {
				return err
			}
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(c, got); err != nil {
				return err
			}
			if !bytes.Equal(got, msg) {
				return fmt.Errorf("session %d: echo mismatch", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := s.client.Sessions(); n != 8 {
		t.Fatalf("sessions = %d, want 8", n)
	}
}

func TestServerConnectRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A port that was just free.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	_ = ln.Close()

	s := startStack(t, ctx)

	_, _, err = s.connect(t, target)
	var replyErr *socks5.ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("err = %v, want reply error", err)
	}
	if replyErr.Rep != txsocks5.RepConnectionRefused {
		t.Fatalf("reply %d, want connection refused", replyErr.Rep)
	}
	waitFor(t, "session teardown", func() bool { return s.client.Sessions() == 0 })
}

func TestServerDestinationClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The destination greets and hangs up.
	dst, waitDst := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_, _ = c.Write([]byte("bye"))
	})
	defer waitDst()

	s := startStack(t, ctx)
	c, _, err := s.connect(t, dst.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 3)
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "bye" {
		t.Fatalf("got %q", got)
	}
	// The server's Close ends the local connection.
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected local connection to close")
	}
	waitFor(t, "session teardown", func() bool { return s.client.Sessions() == 0 })
}

func TestDialWrongSecret(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := startStack(t, ctx)

	cfg := testConfig()
	cfg.Secret = "wrong"
	if _, err := Dial(ctx, s.tunnel, cfg); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("err = %v, want %v", err, ErrNegotiation)
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	if _, err := Dial(context.Background(), addr, testConfig()); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("err = %v, want %v", err, ErrNegotiation)
	}
}

func TestServerSSHUpstream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	sshd := testutil.StartSSHServer(t, ctx, "relay", "hunter2")

	d, err := dialer.New(dialer.Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		SSHKnownHosts:      filepath.Join(t.TempDir(), "known_hosts"),
		Logger:             testLogger(),
	}, "ssh://relay:hunter2@"+sshd.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	s := startStackWith(t, ctx, d)

	c, rep, err := s.connect(t, echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		t.Fatalf("reply %d", rep.Rep)
	}
	testutil.AssertEcho(t, c, c, []byte("via ssh"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := ln.Addr().String()
	_ = ln.Close()

	_, rep, err = s.connect(t, closed)
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if rep == nil || rep.Rep != txsocks5.RepHostUnreachable {
		t.Fatalf("reply %v, want host unreachable", rep)
	}
}
