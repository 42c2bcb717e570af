// Package dialer provides the outbound dialers used by the fsocks server to
// reach the destinations requested through the tunnel.
//
// Dialers implement a small interface (DialContext). The server connects
// either directly, through an upstream proxy (SOCKS5 or HTTP CONNECT), or
// over direct-tcpip channels of an SSH connection.
package dialer
