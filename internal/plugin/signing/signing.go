// Package signing verifies plugin entry modules against detached ed25519
// signatures. A signature is the hex encoded ed25519 signature of the SHA-256
// digest of the entry bytes, stored next to the entry as "<entry>.sig".
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrNoTrustedKey     = errors.New("signature verification failed: no matching trusted key")
	ErrSignatureMissing = errors.New("signature file missing")
)

// GenerateKeyPair generates a new ed25519 key pair for plugin signing.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return publicKey, privateKey, nil
}

// Sign returns the hex encoded signature of data.
func Sign(data []byte, privateKey ed25519.PrivateKey) []byte {
	hash := sha256.Sum256(data)
	return []byte(hex.EncodeToString(ed25519.Sign(privateKey, hash[:])))
}

// SignFile writes the signature of the file at path to SignaturePath(path).
func SignFile(path string, privateKey ed25519.PrivateKey) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read entry: %w", err)
	}
	if err := os.WriteFile(SignaturePath(path), Sign(data, privateKey), 0o644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}

// Verify checks a hex encoded signature of data against the trusted keys.
func Verify(data, sigHex []byte, trustedKeys []ed25519.PublicKey) error {
	signature, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return fmt.Errorf("invalid signature format: %w", err)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length: expected %d, got %d", ed25519.SignatureSize, len(signature))
	}

	hash := sha256.Sum256(data)
	for _, publicKey := range trustedKeys {
		if ed25519.Verify(publicKey, hash[:], signature) {
			return nil
		}
	}
	return ErrNoTrustedKey
}

// VerifyFile verifies entry bytes read from entryPath against the signature file
// next to it.
func VerifyFile(entryPath string, data []byte, trustedKeys []ed25519.PublicKey) error {
	sig, err := os.ReadFile(SignaturePath(entryPath))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", entryPath, ErrSignatureMissing)
	}
	if err != nil {
		return fmt.Errorf("failed to read signature file: %w", err)
	}
	return Verify(data, sig, trustedKeys)
}

// SignaturePath returns the signature path for an entry: "/p/plugin.wasm" ->
// "/p/plugin.wasm.sig".
func SignaturePath(entryPath string) string {
	return entryPath + ".sig"
}

// ParsePublicKeys decodes hex encoded ed25519 public keys, as found in config.
func ParsePublicKeys(encoded []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(encoded))
	for i, s := range encoded {
		raw, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %d: expected %d bytes, got %d", i, ed25519.PublicKeySize, len(raw))
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}

// IsSignatureRequired reports whether WALLETPLUG_REQUIRE_SIGNATURES=1 forces
// verification even when no keys are configured.
func IsSignatureRequired() bool {
	return os.Getenv("WALLETPLUG_REQUIRE_SIGNATURES") == "1"
}
