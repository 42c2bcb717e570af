package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ServerGreet consumes the client greeting without inspecting the offered
// methods and answers with the no-authentication method.
func ServerGreet(conn net.Conn) error {
	if _, err := txsocks5.NewNegotiationRequestFrom(conn); err != nil {
		writeNoAcceptableMethods(conn)
		return fmt.Errorf("negotiation request: %w", err)
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}
