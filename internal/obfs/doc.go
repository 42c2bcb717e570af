// Package obfs implements the reversible byte transforms that wrap tunnel
// frames before they reach the wire.
//
// Two pipelines are provided:
//   - [Bootstrap]: AES-256-CBC keyed from the shared secret, used only for the
//     Hello/HandShake exchange.
//   - [Stream]: random padding sealed with XChaCha20-Poly1305 ([AEAD]), keyed
//     per tunnel from the shared secret and the negotiated salt, then passed
//     through the [Fuzz] byte substitution and XOR chosen by the server
//     during the handshake.
//
// Both satisfy [Pipeline]: Unwrap(Wrap(x)) == x, and every frame length is
// sealed into a fixed-size block with [Framer] so no length travels in
// the clear. Malformed input is reported with an error wrapping
// [ErrMalformed].
package obfs
