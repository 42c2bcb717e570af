package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/fsocks/internal/proxy"
	"github.com/die-net/fsocks/internal/sockopt"
	"github.com/die-net/fsocks/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("fsocks exiting")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, tunnel.ErrTunnelLost) {
		return tunnel.ExitTunnelLost
	}
	return tunnel.ExitNegotiationFailed
}

func run() error {
	var (
		socksListen = pflag.String("socks5-listen", "127.0.0.1:1080", "Local SOCKS5 listen address")
		server      = pflag.String("server", "", "Tunnel server address (host:port)")
		password    = pflag.String("password", "", "Shared tunnel secret (default $FSOCKS_PASSWORD)")

		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for the tunnel handshake and local SOCKS5 negotiation")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		tcpUserTimeout     = pflag.Duration("tcp-user-timeout", 30*time.Second, "TCP_USER_TIMEOUT on the tunnel connection, 0 for the system default")
		bufferSize         = pflag.Int("buffer-size", tunnel.DefaultBufferSize, fmt.Sprintf("Largest payload relayed per local read, at most %d", tunnel.MaxBufferSize))
		verbose            = pflag.Bool("verbose", false, "Enable per-session debug logging")
	)

	if !sockopt.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tcp-user-timeout")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.StandardLogger()

	ka, err := proxy.ParseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	if *server == "" {
		return errors.New("--server is required")
	}
	secret := *password
	if secret == "" {
		secret = os.Getenv("FSOCKS_PASSWORD")
	}
	if secret == "" {
		return errors.New("--password or FSOCKS_PASSWORD is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := proxy.ListenTCP(ctx, "tcp", *socksListen, ka)
	if err != nil {
		return fmt.Errorf("socks5 listen: %w", err)
	}
	defer ln.Close()

	cfg := tunnel.Config{
		Secret:             secret,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		UserTimeout:        *tcpUserTimeout,
		BufferSize:         *bufferSize,
		Logger:             log,
	}
	client, err := tunnel.Dial(ctx, *server, cfg)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"server": *server, "fuzz": client.Fuzz()}).Info("tunnel established")

	g, gctx := errgroup.WithContext(ctx)
	context.AfterFunc(gctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		return client.Run(gctx)
	})

	front := proxy.NewSOCKS5Server(gctx, proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		Logger:             log,
	}, client)
	g.Go(func() error {
		if err := front.Serve(ln); err != nil {
			return fmt.Errorf("socks5 serve: %w", err)
		}
		return nil
	})
	log.Infof("socks5 proxy listening on %s", *socksListen)

	err = g.Wait()
	log.Info("shutting down")
	return err
}
