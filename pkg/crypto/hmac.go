package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// hmac.go - подпись торговых команд HMAC-SHA256
//
// Ротация секретов без простоя:
//  1. верификаторы получают новый секрет как secondary
//  2. подписанты переключаются на новый секрет (primary)
//  3. старый secondary удаляется у верификаторов
//
// Верификация пробует primary, затем secondary.

var (
	ErrNoSecrets     = errors.New("no HMAC secrets configured")
	ErrEmptySecret   = errors.New("HMAC secret is empty")
	ErrDuplicateKey  = errors.New("duplicate HMAC key id")
	ErrSecretTooWeak = errors.New("HMAC secret must be at least 32 bytes")
)

// MinSecretLength - минимальная длина секрета в байтах
const MinSecretLength = 32

// Secret - секрет с идентификатором ключа
type Secret struct {
	KeyID string
	Value []byte
}

// Sign возвращает hex(HMAC-SHA256(data, secret))
func Sign(data, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Keyring - упорядоченный набор действующих секретов (primary первым)
type Keyring struct {
	secrets []Secret
}

// NewKeyring собирает набор секретов, пропуская пустые.
// Пустой Keyring допустим как значение, но Verify на нем всегда false.
func NewKeyring(secrets ...Secret) *Keyring {
	kr := &Keyring{}
	for _, s := range secrets {
		if len(s.Value) == 0 {
			continue
		}
		kr.secrets = append(kr.secrets, Secret{KeyID: s.KeyID, Value: append([]byte(nil), s.Value...)})
	}
	return kr
}

// Ready проверяет, что набор пригоден для запуска процесса
func (kr *Keyring) Ready() error {
	if kr == nil || len(kr.secrets) == 0 {
		return ErrNoSecrets
	}
	seen := make(map[string]struct{}, len(kr.secrets))
	for _, s := range kr.secrets {
		if len(s.Value) < MinSecretLength {
			return ErrSecretTooWeak
		}
		if _, dup := seen[s.KeyID]; dup {
			return ErrDuplicateKey
		}
		seen[s.KeyID] = struct{}{}
	}
	return nil
}

// Len возвращает количество секретов
func (kr *Keyring) Len() int {
	if kr == nil {
		return 0
	}
	return len(kr.secrets)
}

// Primary возвращает первый секрет набора
func (kr *Keyring) Primary() (Secret, bool) {
	if kr.Len() == 0 {
		return Secret{}, false
	}
	return kr.secrets[0], true
}

// Verify сверяет подпись со всеми секретами по порядку.
// Возвращает KeyID совпавшего секрета. Сравнение постоянного времени.
func (kr *Keyring) Verify(data []byte, signature string) (string, bool) {
	if kr.Len() == 0 {
		return "", false
	}

	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return "", false
	}

	for _, s := range kr.secrets {
		mac := hmac.New(sha256.New, s.Value)
		mac.Write(data)
		if hmac.Equal(mac.Sum(nil), got) {
			return s.KeyID, true
		}
	}
	return "", false
}
