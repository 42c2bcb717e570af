package tunnel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/die-net/fsocks/internal/obfs"
	"github.com/die-net/fsocks/internal/protocol"
)

// The largest accepted buffer must still produce frames the codec will
// write at the largest padding a server can offer.
func TestMaxBufferSizeFitsWire(t *testing.T) {
	p := &obfs.FuzzParams{Seed: 1, MinPad: obfs.MaxPadding, MaxPad: obfs.MaxPadding}
	stream, err := obfs.NewStream(testSecret, p, []byte("nonce"))
	if err != nil {
		t.Fatal(err)
	}
	var wire bytes.Buffer
	c := protocol.NewCodec(&wire, stream)
	payload := make([]byte, MaxBufferSize)
	if err := c.WritePacket(&protocol.Relaying{Src: 1, Dst: 2, Payload: payload}); err != nil {
		t.Fatal(err)
	}
}

func TestDialRejectsOversizedBuffer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.BufferSize = MaxBufferSize + 1
	_, err = Dial(context.Background(), ln.Addr().String(), cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTunnelLost) || errors.Is(err, ErrNegotiation) {
		t.Fatalf("configuration error reported as %v", err)
	}
}

func TestNewClientRejectsOversizedBuffer(t *testing.T) {
	h := newClientHarness(t)

	cfg := testConfig()
	cfg.BufferSize = MaxBufferSize + 1
	if _, err := NewClient(h.client.conn, cfg); err == nil {
		t.Fatal("expected error")
	}
}
