package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	publicKey, privateKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		t.Errorf("public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		t.Errorf("private key size: expected %d, got %d", ed25519.PrivateKeySize, len(privateKey))
	}
}

func TestSignAndVerifyFile(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "plugin.wasm")
	data := []byte("\x00asm\x01\x00\x00\x00")
	if err := os.WriteFile(entry, data, 0o644); err != nil {
		t.Fatal(err)
	}

	pub, priv, _ := GenerateKeyPair()
	other, _, _ := GenerateKeyPair()

	t.Run("missing signature", func(t *testing.T) {
		err := VerifyFile(entry, data, []ed25519.PublicKey{pub})
		if !errors.Is(err, ErrSignatureMissing) {
			t.Fatalf("expected ErrSignatureMissing, got %v", err)
		}
	})

	if err := SignFile(entry, priv); err != nil {
		t.Fatalf("SignFile: %v", err)
	}

	t.Run("trusted key", func(t *testing.T) {
		if err := VerifyFile(entry, data, []ed25519.PublicKey{other, pub}); err != nil {
			t.Errorf("expected valid signature, got %v", err)
		}
	})

	t.Run("untrusted key", func(t *testing.T) {
		err := VerifyFile(entry, data, []ed25519.PublicKey{other})
		if !errors.Is(err, ErrNoTrustedKey) {
			t.Errorf("expected ErrNoTrustedKey, got %v", err)
		}
	})

	t.Run("tampered entry", func(t *testing.T) {
		tampered := append([]byte{}, data...)
		tampered[0] = 'X'
		if err := VerifyFile(entry, tampered, []ed25519.PublicKey{pub}); err == nil {
			t.Error("expected tampered entry to fail")
		}
	})
}

func TestVerifyMalformedSignature(t *testing.T) {
	pub, _, _ := GenerateKeyPair()
	if err := Verify([]byte("x"), []byte("not-hex"), []ed25519.PublicKey{pub}); err == nil {
		t.Error("expected error for non-hex signature")
	}
	if err := Verify([]byte("x"), []byte("abcd"), []ed25519.PublicKey{pub}); err == nil {
		t.Error("expected error for short signature")
	}
}

func TestParsePublicKeys(t *testing.T) {
	pub, _, _ := GenerateKeyPair()

	keys, err := ParsePublicKeys([]string{" " + hex.EncodeToString(pub) + "\n"})
	if err != nil {
		t.Fatalf("ParsePublicKeys: %v", err)
	}
	if len(keys) != 1 || !keys[0].Equal(pub) {
		t.Errorf("unexpected keys %v", keys)
	}

	if _, err := ParsePublicKeys([]string{"zz"}); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := ParsePublicKeys([]string{"abcd"}); err == nil {
		t.Error("expected error for wrong length")
	}
}

func TestIsSignatureRequired(t *testing.T) {
	t.Setenv("WALLETPLUG_REQUIRE_SIGNATURES", "1")
	if !IsSignatureRequired() {
		t.Error("expected signatures to be required")
	}
	t.Setenv("WALLETPLUG_REQUIRE_SIGNATURES", "")
	if IsSignatureRequired() {
		t.Error("expected signatures to be optional")
	}
}
