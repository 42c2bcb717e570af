package proxy

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// NegotiationTimeout bounds the SOCKS5 greeting and request.
	NegotiationTimeout time.Duration

	Logger logrus.FieldLogger
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
