package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a host presents a key other than the
// one recorded for it.
var ErrHostKeyMismatch = errors.New("ssh: host key mismatch")

// HostKeyCallback verifies server keys against the known_hosts file at path.
// A host seen for the first time is appended to the file; a host whose key
// changed is rejected with ErrHostKeyMismatch. An empty path disables
// verification. The file and its directory are created when missing.
func HostKeyCallback(path string, log logrus.FieldLogger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Verification disabled by the operator.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path comes from the operator.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	// Keys learned since startup; knownhosts.New does not reread the file.
	var (
		mu      sync.Mutex
		learned = make(map[string]ssh.PublicKey)
	)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w for %s: %w", ErrHostKeyMismatch, hostname, err)
		}

		host := knownhosts.Normalize(hostname)
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := learned[host]; ok {
			if string(prev.Marshal()) != string(key.Marshal()) {
				return fmt.Errorf("%w for %s", ErrHostKeyMismatch, hostname)
			}
			return nil
		}

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path comes from the operator.
		if err != nil {
			return fmt.Errorf("known_hosts: %w", err)
		}
		defer f.Close()
		if _, err := fmt.Fprintln(f, knownhosts.Line([]string{host}, key)); err != nil {
			return fmt.Errorf("known_hosts: %w", err)
		}
		learned[host] = key
		log.WithFields(logrus.Fields{"host": host, "file": path}).Info("learned ssh host key")
		return nil
	}, nil
}
