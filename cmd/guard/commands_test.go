package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/models"
	"titan/internal/policy"
	"titan/internal/protocol"
	"titan/pkg/crypto"
	"titan/pkg/utils"
)

const testPolicy = `version: "2024-06"
max_account_leverage: 3
max_position_notional: 10000
symbol_whitelist: [BTC/USDT, ETH/USDT]
`

var testSecret = strings.Repeat("x", 32)

func writePolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))
	return path
}

// run выполняет команду CLI и возвращает stdout
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPolicyHash(t *testing.T) {
	path := writePolicy(t)
	snap, err := policy.LoadFile(path)
	require.NoError(t, err)

	out, err := run(t, "", "policy", "hash", path)
	require.NoError(t, err)
	assert.Equal(t, snap.Hash()+"\n", out)
	assert.True(t, utils.IsHexDigest(strings.TrimSpace(out)))
}

func TestPolicyShow_PrintsCanonicalBytes(t *testing.T) {
	path := writePolicy(t)

	out, err := run(t, "", "policy", "show", path)
	require.NoError(t, err)

	lines := strings.SplitN(out, "\n", 2)
	assert.Equal(t, utils.SHA256Hex([]byte(lines[0])), strings.Fields(lines[1])[4])
	assert.Contains(t, lines[0], `"max_account_leverage":3`)
}

func TestPolicyHash_MissingFile(t *testing.T) {
	_, err := run(t, "", "policy", "hash", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSign_ProducesVerifiableEnvelope(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("HMAC_PRIMARY_SECRET", testSecret)
	t.Setenv("HMAC_PRIMARY_KEY_ID", "k1")
	policyPath := writePolicy(t)

	payload := `{"kind":"PLACE_ORDER","symbol":"BTC/USDT","side":"BUY","order_type":"LIMIT","size":0.1,"price":60000}`
	out, err := run(t, payload, "sign", "--payload", "-", "--producer", "orch-1", "--policy", policyPath, "--correlation", "c-9")
	require.NoError(t, err)

	kr := crypto.NewKeyring(crypto.Secret{KeyID: "k1", Value: []byte(testSecret)})
	auth := protocol.NewAuthenticator(kr, time.Minute, nil)

	v, err := auth.Authenticate([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, "orch-1", v.Envelope.Producer)
	assert.Equal(t, "c-9", v.Envelope.CorrelationID)
	assert.Equal(t, "k1", v.KeyID)
	assert.Equal(t, models.CommandPlaceOrder, v.Envelope.Payload.Kind)

	snap, err := policy.LoadFile(policyPath)
	require.NoError(t, err)
	assert.Equal(t, snap.Hash(), v.Envelope.PolicyHash)
}

func TestSign_RejectsInvalidPayload(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("HMAC_PRIMARY_SECRET", testSecret)
	policyPath := writePolicy(t)

	_, err := run(t, `{"kind":"PLACE_ORDER","symbol":"BTC/USDT","size":-1}`, "sign", "--payload", "-", "--policy", policyPath)
	assert.Error(t, err)

	_, err = run(t, "", "sign", "--policy", policyPath)
	assert.ErrorContains(t, err, "--payload")
}

func TestSign_RequiresSecret(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("HMAC_PRIMARY_SECRET", "")
	t.Setenv("HMAC_SECONDARY_SECRET", "")

	_, err := run(t, "{}", "sign", "--payload", "-", "--policy", writePolicy(t))
	assert.ErrorIs(t, err, crypto.ErrNoSecrets)
}

func TestSign_Announcement(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("HMAC_PRIMARY_SECRET", testSecret)
	policyPath := writePolicy(t)

	out, err := run(t, "", "sign", "--announce", "--producer", "orch-1", "--policy", policyPath)
	require.NoError(t, err)

	var ann models.PolicyAnnouncement
	require.NoError(t, utils.JSON.Unmarshal([]byte(out), &ann))
	assert.Equal(t, "orch-1", ann.Producer)
	assert.NotEmpty(t, ann.Signature)
}

func TestCredentialHash(t *testing.T) {
	out, err := run(t, "hunter2\n", "credential", "hash", "--cost", "4")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	require.NoError(t, crypto.VerifyPassword("hunter2", hash))

	cred := crypto.Credential{User: "ops", PasswordHash: hash}
	assert.NoError(t, cred.Check("ops", "hunter2"))
}

func TestCredentialHash_EmptyPassword(t *testing.T) {
	_, err := run(t, "\n", "credential", "hash")
	assert.ErrorIs(t, err, crypto.ErrEmptyPassword)
}
