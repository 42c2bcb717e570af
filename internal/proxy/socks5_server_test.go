package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/fsocks/internal/socks5"
	"github.com/die-net/fsocks/internal/testutil"
)

// echoOpener answers every CONNECT with success and echoes the session.
type echoOpener struct {
	mu   sync.Mutex
	reqs []*txsocks5.Request
}

func (o *echoOpener) OpenSession(_ context.Context, conn net.Conn, req *txsocks5.Request) error {
	o.mu.Lock()
	o.reqs = append(o.reqs, req)
	o.mu.Unlock()

	rep, err := socks5.NewSuccessReply(conn.LocalAddr())
	if err != nil {
		return err
	}
	if _, err := rep.WriteTo(conn); err != nil {
		return err
	}
	_, err = io.Copy(conn, conn)
	return err
}

func (o *echoOpener) requests() []*txsocks5.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*txsocks5.Request(nil), o.reqs...)
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startSOCKS5(t *testing.T, cfg Config, opener SessionOpener) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}

	cfg.Logger = testLogger()
	srv := NewSOCKS5Server(ctx, cfg, opener)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		if err := <-errc; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return ln.Addr().String()
}

func TestSOCKS5ConnectReachesOpener(t *testing.T) {
	opener := &echoOpener{}
	addr := startSOCKS5(t, Config{NegotiationTimeout: 2 * time.Second}, opener)

	client, err := txsocks5.NewClient(addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	targets := []string{"example.test:80", "192.0.2.1:443", "[2001:db8::1]:8080"}
	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			c, err := client.Dial("tcp", target)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			testutil.AssertEcho(t, c, c, []byte("hello"))
		})
	}

	reqs := opener.requests()
	if len(reqs) != len(targets) {
		t.Fatalf("opener saw %d requests, want %d", len(reqs), len(targets))
	}
	wantAtyp := []byte{txsocks5.ATYPDomain, txsocks5.ATYPIPv4, txsocks5.ATYPIPv6}
	for i, req := range reqs {
		if req.Cmd != txsocks5.CmdConnect || req.Address() != targets[i] || req.Atyp != wantAtyp[i] {
			t.Fatalf("request %d = cmd %d atyp %d %s", i, req.Cmd, req.Atyp, req.Address())
		}
	}
}

func TestSOCKS5RejectsNonConnect(t *testing.T) {
	opener := &echoOpener{}
	addr := startSOCKS5(t, Config{NegotiationTimeout: 2 * time.Second}, opener)

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	if err := socks5.ClientNegotiate(c); err != nil {
		t.Fatal(err)
	}
	req := txsocks5.NewRequest(txsocks5.CmdBind, txsocks5.ATYPIPv4, []byte{192, 0, 2, 1}, []byte{0, 80})
	if _, err := req.WriteTo(c); err != nil {
		t.Fatal(err)
	}
	rep, err := txsocks5.NewReplyFrom(c)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rep != txsocks5.RepCommandNotSupported {
		t.Fatalf("reply %d, want command not supported", rep.Rep)
	}

	// The connection is dropped and no session was opened.
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("read err = %v, want EOF", err)
	}
	if n := len(opener.requests()); n != 0 {
		t.Fatalf("opener saw %d requests", n)
	}
}

func TestSOCKS5NegotiationTimeout(t *testing.T) {
	addr := startSOCKS5(t, Config{NegotiationTimeout: 50 * time.Millisecond}, &echoOpener{})

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	// Silence until the server gives up.
	if _, err := io.ReadAll(c); err != nil {
		t.Fatalf("read err = %v, want clean close", err)
	}
}

func TestBufferPool(t *testing.T) {
	p := NewBufferPool(64)
	b := p.Get()
	if len(*b) != 64 || p.Size() != 64 {
		t.Fatalf("len %d size %d", len(*b), p.Size())
	}
	p.Put(b)

	short := make([]byte, 8)
	p.Put(&short)
	if b := p.Get(); len(*b) != 64 {
		t.Fatalf("pool handed out a %d byte buffer", len(*b))
	}
}
