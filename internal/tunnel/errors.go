package tunnel

import "errors"

var (
	// ErrNegotiation wraps every handshake failure.
	ErrNegotiation = errors.New("tunnel negotiation failed")

	// ErrTunnelLost is returned by Client.Run when the established tunnel
	// dies. Every session has been torn down by then.
	ErrTunnelLost = errors.New("tunnel lost")

	// ErrNotEstablished is returned when a session packet is sent or
	// received before the handshake completed, or relayed before the
	// remote id is known.
	ErrNotEstablished = errors.New("tunnel not established")
)

// Process exit codes for the client binary.
const (
	ExitNegotiationFailed = 1
	ExitTunnelLost        = 2
)
