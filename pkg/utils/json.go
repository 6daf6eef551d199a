package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
)

// json.go - каноническая сериализация для подписей и хешей
//
// Каноническая форма: компактный JSON, ключи объектов отсортированы
// на всех уровнях, без HTML-экранирования. Подписант и верификатор
// обязаны получать одинаковые байты независимо от порядка полей.

var canonicalAPI = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

// JSON - совместимый со стандартной библиотекой jsoniter для обычного кодирования
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// CanonicalJSON сериализует v в каноническую форму.
// Структуры сначала переводятся в map, чтобы порядок полей не зависел от объявления.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := canonicalAPI.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON приводит произвольный JSON-документ к канонической форме.
// Числа сохраняют исходную запись (json.Number).
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var generic interface{}
	dec := canonicalAPI.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return canonicalAPI.Marshal(generic)
}

// SHA256Hex возвращает hex(SHA-256(data))
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
