package transport

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const identityPEMType = "X25519 PRIVATE KEY"

// LoadOrCreateIdentity reads the identity key from path, generating and
// persisting a fresh one on first run. A restarted client therefore keeps
// its owner key.
func LoadOrCreateIdentity(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil || block.Type != identityPEMType {
			return nil, fmt.Errorf("parse identity key %q: not a %s PEM block", path, identityPEMType)
		}
		priv, err := ecdh.X25519().NewPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse identity key %q: %w", path, err)
		}
		return priv, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: identityPEMType, Bytes: priv.Bytes()})
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}
	return priv, nil
}
