// Package fieldcrypto implements the envelope-encryption scheme protecting
// user-supplied field values on their way to the service provider: each
// user-interaction operation gets a fresh 256-bit AES key, field values are
// encrypted under it in CBC mode, and the key itself travels alongside,
// wrapped under the provider's RSA public key with OAEP.
package fieldcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"fmt"
)

// KeySize is the symmetric key size in bytes (AES-256).
const KeySize = 32

// The wire contract fixes the CBC initialization vector to 16 zero bytes.
// This is a known weakness of the existing protocol: changing it would break
// decryption on the deployed server, so it is preserved as-is.
var zeroIV [aes.BlockSize]byte

// GenerateEphemeralKey returns a fresh random 256-bit symmetric key. A key
// is used for exactly one user-interaction operation and never reused.
func GenerateEphemeralKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts a field value with AES-CBC and PKCS#5 padding under the
// fixed zero IV.
func Encrypt(plaintext string, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field encryption: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt. The provisioning client never receives encrypted
// fields itself; this exists to verify the scheme against the wire contract.
func Decrypt(ciphertext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("field decryption: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a positive multiple of the block size", len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(out, ciphertext)

	unpadded, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("field decryption: %w", err)
	}
	return string(unpadded), nil
}

// WrapKey wraps the raw symmetric key bytes under the service provider's
// public key using RSA-OAEP with SHA-512 as both the hash and the MGF1
// digest, and an empty label.
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha512.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping session key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey reverses WrapKey given the matching private key. Like Decrypt it
// exists for verification; the provider side holds the private key.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha512.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping session key: %w", err)
	}
	return key, nil
}

// pad applies PKCS#5/PKCS#7 padding: n bytes of value n, always at least one.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
