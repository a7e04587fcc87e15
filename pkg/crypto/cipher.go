package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize    = 16
	keySize     = 32
	argonTime   = 1
	argonMemory = 64 * 1024
	argonLanes  = 4
)

// ErrEmptyPassphrase is returned when encryption is requested without key material.
var ErrEmptyPassphrase = errors.New("crypto: empty passphrase")

// deriveKey stretches the passphrase into an AES-256 key with argon2id.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonLanes, keySize)
}

// EncryptString encrypts plaintext using AES-GCM. The output is salt || nonce || ciphertext.
func EncryptString(passphrase string, plaintext string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, []byte(plaintext), nil), nil
}

// DecryptToString reverses EncryptString.
func DecryptToString(passphrase string, payload []byte) (string, error) {
	if passphrase == "" {
		return "", ErrEmptyPassphrase
	}
	if len(payload) < saltSize {
		return "", io.ErrUnexpectedEOF
	}
	salt, rest := payload[:saltSize], payload[saltSize:]
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return "", io.ErrUnexpectedEOF
	}
	plain, err := gcm.Open(nil, rest[:nonceSize], rest[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
