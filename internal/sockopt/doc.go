// Package sockopt applies platform socket options to tunnel connections.
//
// The tunnel is a single long-lived TCP connection; when the path silently
// drops, TCP_USER_TIMEOUT makes the kernel fail the connection so the client
// notices the loss instead of hanging. On platforms without the option the
// functions are no-ops.
package sockopt
