// Package hostkey loads or generates the RSA host key the inbound SSH
// server authenticates itself with, following the same on-disk
// generate-if-missing pattern as the upstream SSH server this proxy is
// modeled on.
package hostkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// LoadOrGenerate loads an SSH host key from path, generating and
// persisting a new 4096-bit RSA key there if it doesn't exist yet. An
// empty path generates an ephemeral key that is never written to disk.
func LoadOrGenerate(path string) (ssh.Signer, error) {
	if path != "" {
		if keyBytes, err := os.ReadFile(path); err == nil {
			return ssh.ParsePrivateKey(keyBytes)
		}
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("generate RSA host key: %w", err)
	}

	keyBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create host key directory: %w", err)
		}
		if err := os.WriteFile(path, keyBytes, 0o600); err != nil {
			return nil, fmt.Errorf("save host key: %w", err)
		}
	}

	return ssh.ParsePrivateKey(keyBytes)
}
