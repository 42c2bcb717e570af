package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestSigners(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	signers, err := Signers(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(signers) != 1 {
		t.Fatalf("got %d signers", len(signers))
	}
	want, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(signers[0].PublicKey().Marshal(), want.PublicKey().Marshal()) {
		t.Fatal("loaded a different key")
	}

	if s, err := Signers(""); err != nil || s != nil {
		t.Fatalf("empty source: %v %v", s, err)
	}
	if _, err := Signers(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Signers(garbage); err == nil {
		t.Fatal("expected error for unparsable key")
	}

	t.Setenv("SSH_AUTH_SOCK", "")
	if _, err := Signers(AgentKeySource); err == nil {
		t.Fatal("expected error without an agent")
	}
	if DefaultKeySource() != "" {
		t.Fatal("agent advertised without SSH_AUTH_SOCK")
	}
}
