package protocol

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"titan/internal/models"
	"titan/pkg/crypto"
	"titan/pkg/utils"
)

// Signer - сторона оркестратора: собирает конверт, ставит хеш политики,
// время и подпись primary-секретом.
type Signer struct {
	producer   string
	secret     crypto.Secret
	policyHash func() string
	clock      func() time.Time
}

// NewSigner создает подписанта. policyHash читается при каждой подписи,
// чтобы после redeploy политики конверты несли новый хеш.
func NewSigner(producer string, secret crypto.Secret, policyHash func() string, clock func() time.Time) (*Signer, error) {
	if producer == "" {
		return nil, errors.New("signer producer is required")
	}
	if len(secret.Value) == 0 {
		return nil, crypto.ErrEmptySecret
	}
	if clock == nil {
		clock = time.Now
	}
	return &Signer{producer: producer, secret: secret, policyHash: policyHash, clock: clock}, nil
}

// Producer - идентификатор подписанта
func (s *Signer) Producer() string {
	return s.producer
}

// Sign упаковывает команду в новый конверт с уникальным id
func (s *Signer) Sign(cmd models.Command, correlationID string) (models.CommandEnvelope, []byte, error) {
	env := models.CommandEnvelope{
		Type:          models.EnvelopeType,
		Version:       models.EnvelopeVersion,
		ID:            uuid.NewString(),
		Producer:      s.producer,
		CorrelationID: correlationID,
		Timestamp:     s.clock().UnixMilli(),
		PolicyHash:    s.policyHash(),
		Payload:       cmd,
	}
	if err := s.SignEnvelope(&env); err != nil {
		return env, nil, err
	}
	raw, err := Encode(env)
	return env, raw, err
}

// SignEnvelope подписывает готовый конверт (key_id входит в подписываемые байты)
func (s *Signer) SignEnvelope(env *models.CommandEnvelope) error {
	env.KeyID = s.secret.KeyID
	canonical, err := CanonicalEnvelope(*env)
	if err != nil {
		return err
	}
	env.Signature = crypto.Sign(canonical, s.secret.Value)
	return nil
}

// Announce - подписанное заявление о хеше политики подписанта
func (s *Signer) Announce() (models.PolicyAnnouncement, error) {
	a := models.PolicyAnnouncement{
		Producer:   s.producer,
		PolicyHash: s.policyHash(),
		Timestamp:  s.clock().UnixMilli(),
		KeyID:      s.secret.KeyID,
	}
	canonical, err := canonicalAnnouncement(a)
	if err != nil {
		return a, err
	}
	a.Signature = crypto.Sign(canonical, s.secret.Value)
	return a, nil
}

func canonicalAnnouncement(a models.PolicyAnnouncement) ([]byte, error) {
	a.Signature = ""
	return utils.CanonicalJSON(a)
}
