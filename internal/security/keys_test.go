package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParsePublicKey_InlineAndFile(t *testing.T) {
	if _, err := ParsePublicKey(testPublicKeyPEM); err != nil {
		t.Fatalf("inline: %v", err)
	}
	path := filepath.Join(t.TempDir(), "idp.pem")
	if err := os.WriteFile(path, []byte(testPublicKeyPEM), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ParsePublicKey(path); err != nil {
		t.Fatalf("file: %v", err)
	}
}

func TestParsePublicKey_EscapedNewlines(t *testing.T) {
	escaped := strings.ReplaceAll(testPublicKeyPEM, "\n", `\n`)
	if _, err := ParsePublicKey(escaped); err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
}

func TestParsePublicKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "   ", "-----BEGIN PUBLIC KEY-----\nnope\n-----END PUBLIC KEY-----", testPrivateKeyPEM} {
		if _, err := ParsePublicKey(s); err == nil {
			t.Errorf("ParsePublicKey(%.20q) should fail", s)
		}
	}
	if _, err := ParsePublicKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestParsePrivateKey(t *testing.T) {
	if _, err := ParsePrivateKey(testPrivateKeyPEM); err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if _, err := ParsePrivateKey(testPublicKeyPEM); err != ErrInvalidKey {
		t.Errorf("public key as private: err = %v, want ErrInvalidKey", err)
	}
}
