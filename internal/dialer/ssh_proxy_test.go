package dialer

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/fsocks/internal/socks5"
	"github.com/die-net/fsocks/internal/testutil"
)

func sshTestConfig(t *testing.T) Config {
	return Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		SSHKnownHosts:      filepath.Join(t.TempDir(), "known_hosts"),
	}
}

func TestSSHProxyDialerSharesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := testutil.StartSSHServer(t, ctx, "user", "pass")

	d, err := NewSSHProxyDialer(sshTestConfig(t), srv.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	c1, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	first := d.client

	c2, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))
	_ = c1.Close()

	if d.client != first {
		t.Fatal("second dial opened a new ssh connection")
	}
}

func TestSSHProxyDialerReconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := testutil.StartSSHServer(t, ctx, "user", "pass")

	d, err := NewSSHProxyDialer(sshTestConfig(t), srv.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	c1, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = c1.Close()

	srv.DropConnections()
	_ = d.client.Wait()

	c2, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("after reconnect"))
}

func TestSSHProxyDialerRefusedChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := testutil.StartSSHServer(t, ctx, "user", "pass")
	d, err := NewSSHProxyDialer(sshTestConfig(t), srv.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	// Grab a port with nothing listening on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := ln.Addr().String()
	_ = ln.Close()

	_, err = d.DialContext(ctx, "tcp", closed)
	if err == nil {
		t.Fatal("expected error")
	}
	if rep := socks5.ReplyCode(err); rep != txsocks5.RepHostUnreachable {
		t.Fatalf("reply code %d, want host unreachable (err %v)", rep, err)
	}
}

func TestSSHProxyDialerWrongPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := testutil.StartSSHServer(t, ctx, "user", "pass")
	d, err := NewSSHProxyDialer(sshTestConfig(t), srv.Addr().String(), "user", "nope")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected authentication error")
	}
}

func TestSSHProxyDialerUnsupportedNetwork(t *testing.T) {
	d, err := NewSSHProxyDialer(Config{}, "127.0.0.1:22", "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.DialContext(context.Background(), "udp", "127.0.0.1:53")
	if err == nil {
		t.Fatal("expected error")
	}
	var replyErr *socks5.ReplyError
	if errors.As(err, &replyErr) {
		t.Fatalf("unexpected reply error %v", replyErr)
	}
}
