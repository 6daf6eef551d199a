package crypto

import (
	"bytes"
	"errors"
	"testing"
)

var (
	primarySecret   = bytes.Repeat([]byte("p"), 32)
	secondarySecret = bytes.Repeat([]byte("s"), 32)
)

func TestSign_Deterministic(t *testing.T) {
	data := []byte(`{"id":"1","symbol":"BTC/USDT"}`)

	a := Sign(data, primarySecret)
	b := Sign(data, primarySecret)
	if a != b {
		t.Error("Sign must be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("hex signature length = %d, want 64", len(a))
	}
	if Sign(data, secondarySecret) == a {
		t.Error("different secrets must produce different signatures")
	}
}

func TestKeyring_VerifyPrimaryThenSecondary(t *testing.T) {
	data := []byte("payload")
	kr := NewKeyring(
		Secret{KeyID: "k2", Value: primarySecret},
		Secret{KeyID: "k1", Value: secondarySecret},
	)

	tests := []struct {
		name   string
		sig    string
		wantOK bool
		wantID string
	}{
		{"signed with primary", Sign(data, primarySecret), true, "k2"},
		{"signed with secondary", Sign(data, secondarySecret), true, "k1"},
		{"signed with unknown", Sign(data, []byte("unknown-secret-unknown-secret-xx")), false, ""},
		{"not hex", "zz", false, ""},
		{"empty", "", false, ""},
		{"truncated", Sign(data, primarySecret)[:20], false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := kr.Verify(data, tt.sig)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("Verify() = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestKeyring_EmptyFailsClosed(t *testing.T) {
	data := []byte("payload")
	kr := NewKeyring()

	if !errors.Is(kr.Ready(), ErrNoSecrets) {
		t.Errorf("Ready() = %v, want ErrNoSecrets", kr.Ready())
	}

	// даже "подпись" пустым ключом не проходит
	if _, ok := kr.Verify(data, Sign(data, nil)); ok {
		t.Error("empty keyring must never verify")
	}

	var nilRing *Keyring
	if _, ok := nilRing.Verify(data, Sign(data, primarySecret)); ok {
		t.Error("nil keyring must never verify")
	}
}

func TestKeyring_SkipsEmptySecrets(t *testing.T) {
	kr := NewKeyring(Secret{KeyID: "k1", Value: nil}, Secret{KeyID: "k2", Value: primarySecret})
	if kr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", kr.Len())
	}
	p, ok := kr.Primary()
	if !ok || p.KeyID != "k2" {
		t.Errorf("Primary() = %v, %v", p.KeyID, ok)
	}
}

func TestKeyring_Ready(t *testing.T) {
	tests := []struct {
		name    string
		secrets []Secret
		wantErr error
	}{
		{"ok", []Secret{{KeyID: "k1", Value: primarySecret}}, nil},
		{"rotation", []Secret{{KeyID: "k2", Value: primarySecret}, {KeyID: "k1", Value: secondarySecret}}, nil},
		{"weak", []Secret{{KeyID: "k1", Value: []byte("short")}}, ErrSecretTooWeak},
		{"duplicate ids", []Secret{{KeyID: "k1", Value: primarySecret}, {KeyID: "k1", Value: secondarySecret}}, ErrDuplicateKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewKeyring(tt.secrets...).Ready()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Ready() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyring_CopiesSecret(t *testing.T) {
	secret := bytes.Repeat([]byte("x"), 32)
	kr := NewKeyring(Secret{KeyID: "k1", Value: secret})
	sig := Sign([]byte("d"), secret)

	secret[0] = 'y'
	if _, ok := kr.Verify([]byte("d"), sig); !ok {
		t.Error("keyring must not alias caller's secret slice")
	}
}

func BenchmarkKeyring_Verify(b *testing.B) {
	data := bytes.Repeat([]byte("a"), 512)
	kr := NewKeyring(Secret{KeyID: "k2", Value: primarySecret}, Secret{KeyID: "k1", Value: secondarySecret})
	sig := Sign(data, secondarySecret)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		kr.Verify(data, sig)
	}
}
