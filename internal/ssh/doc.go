// Package ssh provides the client side of the ssh:// outbound upstream:
// key sources, known_hosts verification and the transport handshake. The
// dialer built on it lives in internal/dialer.
package ssh
