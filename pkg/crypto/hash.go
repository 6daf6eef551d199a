package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// hash.go - учетные данные оператора (halt / clear-halt / flatten)
//
// Оператор аутентифицируется отдельно от HMAC-подписи торговых команд:
// имя пользователя + пароль, хранится только bcrypt-хеш пароля.

// Ошибки учетных данных
var (
	ErrEmptyPassword      = errors.New("password cannot be empty")
	ErrPasswordMismatch   = errors.New("password does not match hash")
	ErrInvalidHash        = errors.New("invalid password hash format")
	ErrPasswordTooLong    = errors.New("password exceeds maximum length of 72 bytes")
	ErrInvalidCredential  = errors.New("invalid operator credential")
	ErrCredentialNotSetUp = errors.New("operator credential is not configured")
)

// DefaultCost - стоимость хеширования по умолчанию
const DefaultCost = 12

// MaxPasswordLength - максимальная длина пароля для bcrypt (72 байта)
const MaxPasswordLength = 72

// HashPassword хеширует пароль оператора с DefaultCost
func HashPassword(password string) (string, error) {
	return HashPasswordWithCost(password, DefaultCost)
}

// HashPasswordWithCost хеширует пароль с указанной стоимостью (clamp в [MinCost, MaxCost])
func HashPasswordWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword проверяет соответствие пароля хешу
func VerifyPassword(password, hash string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return ErrInvalidHash
	}
	return nil
}

// Credential - учетная запись оператора
type Credential struct {
	User         string
	PasswordHash string
}

// Configured сообщает, заданы ли имя и валидный bcrypt-хеш
func (c Credential) Configured() error {
	if c.User == "" || c.PasswordHash == "" {
		return ErrCredentialNotSetUp
	}
	if _, err := bcrypt.Cost([]byte(c.PasswordHash)); err != nil {
		return ErrInvalidHash
	}
	return nil
}

// Check сверяет имя (constant-time) и пароль (bcrypt).
// Любое расхождение возвращает одну и ту же ошибку ErrInvalidCredential.
func (c Credential) Check(user, password string) error {
	if c.Configured() != nil {
		return ErrCredentialNotSetUp
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.User)) == 1
	// bcrypt выполняем всегда, чтобы время ответа не выдавало существование пользователя
	passErr := VerifyPassword(password, c.PasswordHash)
	if !userOK || passErr != nil {
		return ErrInvalidCredential
	}
	return nil
}
