package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentKeySource selects the keys held by the running ssh-agent.
const AgentKeySource = "agent"

// DefaultKeySource is AgentKeySource when an agent socket is advertised and
// empty otherwise.
func DefaultKeySource() string {
	if os.Getenv("SSH_AUTH_SOCK") != "" {
		return AgentKeySource
	}
	return ""
}

// Signers resolves source to public key signers. An empty source means no
// key authentication, AgentKeySource asks ssh-agent and anything else is a
// path to an OpenSSH private key file.
func Signers(source string) ([]ssh.Signer, error) {
	switch source {
	case "":
		return nil, nil
	case AgentKeySource:
		return agentSigners()
	}

	pem, err := os.ReadFile(source) //nolint:gosec // Path comes from the operator.
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", source, err)
	}
	return []ssh.Signer{signer}, nil
}

// agentSigners keeps the agent connection open for as long as the signers
// are in use, which is the life of the process.
func agentSigners() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("ssh agent: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", sock)
	if err != nil {
		return nil, fmt.Errorf("ssh agent: %w", err)
	}
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh agent signers: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("ssh agent: no keys")
	}
	return signers, nil
}
