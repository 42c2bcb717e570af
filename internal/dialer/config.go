package dialer

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the upstream proxy handshake.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// SSHKeySource is "agent", a private key path, or empty for password
	// only. Used by ssh:// upstreams.
	SSHKeySource string

	// SSHKnownHosts is the known_hosts file checked by ssh:// upstreams.
	// Empty disables host key verification.
	SSHKnownHosts string

	Logger logrus.FieldLogger
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
