// Package vault encrypts and decrypts stored provider credentials with a
// process-wide symmetric key. Decryption failures are never transient: a bad
// key or tampered payload surfaces immediately as a *DecryptionError.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

const (
	// MasterKeyEnv names the env var holding the base64-encoded 32-byte key.
	MasterKeyEnv = "GARMIN_SYNC_MASTER_KEY"

	credentialCipherV1 = byte(1)
	minCipherPayload   = 1 + 12 // version + nonce
)

// DecryptionError reports a failed credential decryption.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypting credential: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypting credential: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Encrypt seals plaintext under key. The associated data binds the ciphertext
// to its owner (the user id) so a payload copied between rows fails to open.
// Payload layout: version byte, nonce, ciphertext.
func Encrypt(plaintext, key []byte, aad string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(aad))
	payload := append([]byte{credentialCipherV1}, nonce...)
	payload = append(payload, ciphertext...)
	return payload, nil
}

// Decrypt opens a payload produced by Encrypt.
func Decrypt(payload, key []byte, aad string) ([]byte, error) {
	if len(payload) < minCipherPayload {
		return nil, &DecryptionError{Reason: "payload too short"}
	}
	if payload[0] != credentialCipherV1 {
		return nil, &DecryptionError{Reason: fmt.Sprintf("unsupported cipher version %d", payload[0])}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(payload) < 1+nonceSize {
		return nil, &DecryptionError{Reason: "payload missing nonce"}
	}
	nonce := payload[1 : 1+nonceSize]
	ciphertext := payload[1+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}

// MasterKey reads and decodes the process-wide key from the environment.
func MasterKey() ([]byte, error) {
	raw := os.Getenv(MasterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", MasterKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64-encoded: %w", MasterKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes (got %d)", MasterKeyEnv, len(key))
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, &DecryptionError{Reason: fmt.Sprintf("key must be 32 bytes (got %d)", len(key))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &DecryptionError{Reason: "init cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &DecryptionError{Reason: "init gcm", Err: err}
	}
	return gcm, nil
}
