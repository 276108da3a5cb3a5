package transport

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner_private.pem")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (create) error: %v", err)
	}
	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (load) error: %v", err)
	}
	if !first.Equal(second) {
		t.Fatal("reloaded identity key differs from the generated one")
	}
}

func TestLoadOrCreateIdentityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner_private.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Fatal("expected an error for a non-PEM key file")
	}
}

func TestNewClientWithIdentityKeepsOwnerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner_private.pem")
	priv, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity error: %v", err)
	}

	first, err := NewFabric().NewClientWithIdentity(priv)
	if err != nil {
		t.Fatalf("NewClientWithIdentity error: %v", err)
	}
	second, err := NewFabric().NewClientWithIdentity(priv)
	if err != nil {
		t.Fatalf("NewClientWithIdentity error: %v", err)
	}
	if first.OwnerKey() != second.OwnerKey() {
		t.Fatalf("owner key changed across restarts: %s vs %s", first.OwnerKey(), second.OwnerKey())
	}
}
