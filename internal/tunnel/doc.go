// Package tunnel implements the fsocks tunnel: the handshake that negotiates
// per-connection obfuscation, the client-side multiplexer that maps local
// SOCKS5 connections onto one tunnel connection, and the remote peer that
// performs the outbound connects.
//
// Handshake (all frames under the bootstrap cipher):
//
//	client                          server
//	Hello{nonce}              ->
//	                          <-    HandShake{ts, fuzz}
//	HandShake{ts}             ->
//	                          <-    HandShake{ts, fuzz}
//
// Both sides then switch to obfs.NewStream(secret, fuzz, nonce). Request,
// Reply, Relaying and Close packets are refused on a [Conn] until this
// completes.
//
// Session addressing: the client assigns session ids, the server assigns
// remote ids. Request carries the session id, Reply carries both, Relaying
// is addressed by the receiver's id in Dst, and Close always names the
// client session id in Src.
package tunnel
