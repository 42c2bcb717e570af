// Package proxy implements the local SOCKS5 front-end of the fsocks client
// and shared connection plumbing such as keepalive listeners and buffer
// pools.
//
// The front-end only negotiates: it answers the greeting, parses one CONNECT
// request and hands the connection to a [SessionOpener], which carries the
// bytes over the tunnel.
package proxy
