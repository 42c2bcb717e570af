// Package socks5 provides the small SOCKS5 surface fsocks needs.
//
// It wraps the protocol types in github.com/txthinking/socks5 so the same
// message values can be parsed from a local application, carried inside
// tunnel Request/Reply packets, and written back out unchanged.
//
// Only the no-authentication method and the CONNECT command are supported.
package socks5
