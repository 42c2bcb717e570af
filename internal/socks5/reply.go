package socks5

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect
)

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported.
func WriteCommandNotSupportedReply(conn net.Conn, atyp byte) {
	_, _ = NewFailureReply(txsocks5.RepCommandNotSupported, atyp).WriteTo(conn)
}

// WriteFailureReply writes a SOCKS5 reply with code rep and a zero bound
// address.
func WriteFailureReply(conn net.Conn, rep, atyp byte) {
	_, _ = NewFailureReply(rep, atyp).WriteTo(conn)
}

// NewSuccessReply builds a SOCKS5 success reply using localAddr as the bound
// address.
func NewSuccessReply(localAddr net.Addr) (*txsocks5.Reply, error) {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return nil, fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	return txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port), nil
}

// NewFailureReply builds a reply with code rep and an all-zero bound address
// of the same family as atyp.
func NewFailureReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

// ReplyCode maps an outbound dial error to the closest SOCKS5 reply code.
func ReplyCode(err error) byte {
	var (
		dnsErr   *net.DNSError
		replyErr *ReplyError
	)
	switch {
	case err == nil:
		return txsocks5.RepSuccess
	case errors.As(err, &replyErr):
		return replyErr.Rep
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return txsocks5.RepNetworkUnreachable
	case errors.As(err, &dnsErr), errors.Is(err, syscall.EHOSTUNREACH):
		return txsocks5.RepHostUnreachable
	case errors.Is(err, os.ErrDeadlineExceeded):
		return txsocks5.RepTTLExpired
	default:
		return txsocks5.RepServerFailure
	}
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
