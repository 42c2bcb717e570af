package sockopt

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestControlDisabled(t *testing.T) {
	if Control(0) != nil {
		t.Fatal("expected nil control for zero timeout")
	}
	if err := SetUserTimeout(nil, 0); err != nil {
		t.Fatal(err)
	}
}

func TestDialWithUserTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lc := net.ListenConfig{Control: Control(5 * time.Second)}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	d := net.Dialer{Control: Control(5 * time.Second)}
	c, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sc, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	defer sc.Close()

	if err := SetUserTimeout(sc, time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestSetUserTimeoutNonSocket(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := SetUserTimeout(a, time.Second); err != nil {
		t.Fatal(err)
	}
}
