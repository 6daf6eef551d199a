package protocol

import (
	"bytes"
	"fmt"

	"titan/internal/models"
	"titan/pkg/utils"
)

// signatureField - поле, исключаемое из подписываемых байтов
const signatureField = "signature"

// Error - отказ на границе верификации с кодом из закрытого набора
type Error struct {
	Reason models.ReasonCode
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func newError(reason models.ReasonCode, format string, args ...interface{}) *Error {
	return &Error{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// CanonicalBytes возвращает подписываемое представление конверта:
// канонический JSON исходного документа без поля signature.
// Работает по сырым байтам, поэтому поля, неизвестные этой версии, тоже покрыты подписью.
func CanonicalBytes(raw []byte) ([]byte, string, error) {
	var doc map[string]interface{}
	dec := utils.JSON.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, "", err
	}
	if doc == nil {
		return nil, "", fmt.Errorf("envelope is not a JSON object")
	}

	sig, _ := doc[signatureField].(string)
	delete(doc, signatureField)

	canonical, err := utils.CanonicalJSON(doc)
	if err != nil {
		return nil, "", err
	}
	return canonical, sig, nil
}

// CanonicalEnvelope - подписываемые байты для типизированного конверта
func CanonicalEnvelope(env models.CommandEnvelope) ([]byte, error) {
	env.Signature = ""
	raw, err := utils.JSON.Marshal(env)
	if err != nil {
		return nil, err
	}
	canonical, _, err := CanonicalBytes(raw)
	return canonical, err
}

// Decode разбирает конверт и проверяет заголовок
func Decode(raw []byte) (models.CommandEnvelope, error) {
	var env models.CommandEnvelope
	if err := utils.JSON.Unmarshal(raw, &env); err != nil {
		return env, newError(models.ReasonMalformedCommand, "decode envelope: %v", err)
	}
	if env.Type != models.EnvelopeType {
		return env, newError(models.ReasonMalformedCommand, "unexpected envelope type %q", env.Type)
	}
	if env.Version != models.EnvelopeVersion {
		return env, newError(models.ReasonMalformedCommand, "unsupported envelope version %d", env.Version)
	}
	if env.ID == "" || env.Producer == "" {
		return env, newError(models.ReasonMalformedCommand, "envelope id and producer are required")
	}
	return env, nil
}

// Encode сериализует подписанный конверт для публикации
func Encode(env models.CommandEnvelope) ([]byte, error) {
	return utils.JSON.Marshal(env)
}
