package fieldcrypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("GenerateEphemeralKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("Key size %d, want %d", len(key), KeySize)
	}

	values := []string{
		"",
		"x",
		"4111111111111111;12/29;123",
		"exactly 16 bytes", // forces a full padding block
		"a longer value spanning several cipher blocks with ümläuts",
	}

	for _, value := range values {
		ciphertext, err := Encrypt(value, key)
		if err != nil {
			t.Fatalf("Encrypt(%q) failed: %v", value, err)
		}
		if len(ciphertext)%16 != 0 || len(ciphertext) == 0 {
			t.Errorf("Encrypt(%q) output length %d not block-aligned", value, len(ciphertext))
		}

		plaintext, err := Decrypt(ciphertext, key)
		if err != nil {
			t.Fatalf("Decrypt of %q failed: %v", value, err)
		}
		if plaintext != value {
			t.Errorf("Round trip changed %q to %q", value, plaintext)
		}
	}
}

func TestEncrypt_Deterministic(t *testing.T) {
	// Fixed IV: same key and plaintext must give the same ciphertext. The
	// wire contract depends on it, however unfortunate.
	key := bytes.Repeat([]byte{0x42}, KeySize)

	first, err := Encrypt("hello", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := Encrypt("hello", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Ciphertext not deterministic under fixed IV")
	}
}

func TestEncrypt_BadKeySize(t *testing.T) {
	if _, err := Encrypt("value", []byte{0x01, 0x02}); err == nil {
		t.Error("Expected error for short key, got nil")
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)

	if _, err := Decrypt([]byte{0xAA, 0xBB}, key); err == nil {
		t.Error("Expected error for non-block-aligned ciphertext")
	}
	if _, err := Decrypt(nil, key); err == nil {
		t.Error("Expected error for empty ciphertext")
	}

	// A random block decrypts to garbage padding.
	garbage := bytes.Repeat([]byte{0x5A}, 16)
	if _, err := Decrypt(garbage, key); err == nil {
		t.Skip("Random block happened to form valid padding")
	}
}

func TestWrapUnwrapKey_RoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Generating test keypair: %v", err)
	}

	key, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("GenerateEphemeralKey failed: %v", err)
	}

	wrapped, err := WrapKey(&priv.PublicKey, key)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	if bytes.Contains(wrapped, key) {
		t.Error("Wrapped blob leaks the raw key")
	}

	unwrapped, err := UnwrapKey(priv, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	if !bytes.Equal(key, unwrapped) {
		t.Error("Key changed across wrap/unwrap")
	}
}

func TestWrapKey_Randomized(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Generating test keypair: %v", err)
	}
	key := bytes.Repeat([]byte{0x13}, KeySize)

	first, _ := WrapKey(&priv.PublicKey, key)
	second, _ := WrapKey(&priv.PublicKey, key)
	if bytes.Equal(first, second) {
		t.Error("OAEP wrapping must be randomized")
	}
}
