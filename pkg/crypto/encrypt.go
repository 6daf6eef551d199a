package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// encrypt.go - HMAC-секреты в окружении могут храниться зашифрованными
// (AES-256-GCM, base64) с префиксом "enc:". Ключ - ENCRYPTION_KEY.

// SealedPrefix - префикс зашифрованного значения
const SealedPrefix = "enc:"

// Ошибки шифрования
var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
	ErrMissingKey         = errors.New("sealed secret requires ENCRYPTION_KEY")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal шифрует секрет и возвращает "enc:<base64(nonce|ciphertext|tag)>"
func Seal(plaintext []byte, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open расшифровывает значение, созданное Seal (префикс обязателен)
func Open(value string, key []byte) ([]byte, error) {
	if !strings.HasPrefix(value, SealedPrefix) {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ResolveSecret возвращает секрет как есть, либо расшифровывает его при префиксе "enc:"
func ResolveSecret(value string, key []byte) ([]byte, error) {
	if !strings.HasPrefix(value, SealedPrefix) {
		return []byte(value), nil
	}
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	return Open(value, key)
}

// GenerateKey генерирует случайный 32-байтный ключ AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
