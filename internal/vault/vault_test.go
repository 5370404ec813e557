package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func openTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "master.key")
	v, err := Open(path)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	t.Cleanup(v.Close)
	return v, path
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, _ := openTestVault(t)

	blob, ok := v.Encrypt("hunter2")
	if !ok {
		t.Fatalf("expected encrypt to succeed")
	}

	secret, ok := v.Decrypt(blob)
	if !ok {
		t.Fatalf("expected decrypt to succeed")
	}
	if secret != "hunter2" {
		t.Fatalf("expected secret to round trip, got %q", secret)
	}
}

func TestKeyBootstrapIsIdempotent(t *testing.T) {
	v, path := openTestVault(t)

	blob, ok := v.Encrypt("persisted")
	if !ok {
		t.Fatalf("encrypt: not ok")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected owner-only key file, got %v", perm)
	}

	// A second open must reuse the same key, not regenerate it.
	v2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen vault: %v", err)
	}
	defer v2.Close()

	secret, ok := v2.Decrypt(blob)
	if !ok || secret != "persisted" {
		t.Fatalf("expected reopened vault to decrypt, got %q ok=%v", secret, ok)
	}
}

func TestDecryptRejectsForeignAndMalformedInput(t *testing.T) {
	v, _ := openTestVault(t)

	if _, ok := v.Decrypt(nil); ok {
		t.Fatalf("nil blob must not decrypt")
	}
	if _, ok := v.Decrypt([]byte("short")); ok {
		t.Fatalf("short blob must not decrypt")
	}

	other, err := Open(filepath.Join(t.TempDir(), "other.key"))
	if err != nil {
		t.Fatalf("open second vault: %v", err)
	}
	defer other.Close()

	blob, ok := other.Encrypt("foreign")
	if !ok {
		t.Fatalf("encrypt under second key: not ok")
	}
	if _, ok := v.Decrypt(blob); ok {
		t.Fatalf("blob sealed under another key must not decrypt")
	}

	tampered := bytes.Clone(blob)
	tampered[len(tampered)-1] ^= 0xff
	if _, ok := other.Decrypt(tampered); ok {
		t.Fatalf("tampered blob must not decrypt")
	}
}

func TestNilVaultDegradesGracefully(t *testing.T) {
	var v *Vault
	if _, ok := v.Encrypt("x"); ok {
		t.Fatalf("nil vault must not encrypt")
	}
	if _, ok := v.Decrypt([]byte("anything at all, long enough to pass")); ok {
		t.Fatalf("nil vault must not decrypt")
	}
}
