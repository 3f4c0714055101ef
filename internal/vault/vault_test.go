package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	plaintext := []byte("garmin-password-123")

	payload, err := Encrypt(plaintext, key, "user-1")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(payload, key, "user-1")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptFailures(t *testing.T) {
	key := testKey()
	payload, err := Encrypt([]byte("secret"), key, "user-1")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Run("wrong key", func(t *testing.T) {
		other := testKey()
		other[0] ^= 0xff
		if _, err := Decrypt(payload, other, "user-1"); err == nil {
			t.Fatal("expected error with wrong key")
		}
	})

	t.Run("wrong aad", func(t *testing.T) {
		if _, err := Decrypt(payload, key, "user-2"); err == nil {
			t.Fatal("expected error with mismatched aad")
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := append([]byte(nil), payload...)
		bad[len(bad)-1] ^= 0xff
		if _, err := Decrypt(bad, key, "user-1"); err == nil {
			t.Fatal("expected error with tampered payload")
		}
	})

	t.Run("payload too short", func(t *testing.T) {
		_, err := Decrypt([]byte{1, 2, 3}, key, "user-1")
		var de *DecryptionError
		if !errors.As(err, &de) {
			t.Fatalf("expected *DecryptionError, got %v", err)
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		bad := append([]byte(nil), payload...)
		bad[0] = 99
		if _, err := Decrypt(bad, key, "user-1"); err == nil {
			t.Fatal("expected error with unknown cipher version")
		}
	})

	t.Run("bad key length", func(t *testing.T) {
		var de *DecryptionError
		_, err := Decrypt(payload, []byte("short"), "user-1")
		if !errors.As(err, &de) {
			t.Fatalf("expected *DecryptionError, got %v", err)
		}
	})
}

func TestMasterKey(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv(MasterKeyEnv, "")
		os.Unsetenv(MasterKeyEnv)
		if _, err := MasterKey(); err == nil {
			t.Fatal("expected error when env is unset")
		}
	})

	t.Run("not base64", func(t *testing.T) {
		t.Setenv(MasterKeyEnv, "!!!not-base64!!!")
		if _, err := MasterKey(); err == nil {
			t.Fatal("expected error for invalid base64")
		}
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Setenv(MasterKeyEnv, base64.StdEncoding.EncodeToString([]byte("short")))
		if _, err := MasterKey(); err == nil {
			t.Fatal("expected error for short key")
		}
	})

	t.Run("valid", func(t *testing.T) {
		t.Setenv(MasterKeyEnv, base64.StdEncoding.EncodeToString(testKey()))
		key, err := MasterKey()
		if err != nil {
			t.Fatalf("MasterKey: %v", err)
		}
		if len(key) != 32 {
			t.Errorf("key length = %d, want 32", len(key))
		}
	})
}
