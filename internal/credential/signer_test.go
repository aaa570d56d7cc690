package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2/jws"
)

const testAudience = "https://oauth2.example.test/token"

var testKey = generateTestKey()

func generateTestKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generating test RSA key: " + err.Error())
	}
	return key
}

func pkcs8PEM(t *testing.T, key any) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func pkcs1PEM(key *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(key)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

func fixedSigner(at time.Time) *AssertionSigner {
	s := NewAssertionSigner(nil, testAudience)
	s.now = func() time.Time { return at }
	return s
}

func TestSign_Claims(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedSigner(at)

	sa := ServiceAccount{Email: "relay@proj.iam.gserviceaccount.com", PrivateKey: pkcs8PEM(t, testKey)}
	got, err := s.Sign(sa, "scope-a scope-b", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := jws.Verify(got.Token, &testKey.PublicKey); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	claims, err := jws.Decode(got.Token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claims.Iss != sa.Email {
		t.Errorf("iss = %q, want %q", claims.Iss, sa.Email)
	}
	if claims.Aud != testAudience {
		t.Errorf("aud = %q, want %q", claims.Aud, testAudience)
	}
	if claims.Scope != "scope-a scope-b" {
		t.Errorf("scope = %q", claims.Scope)
	}
	if claims.Iat != at.Unix() {
		t.Errorf("iat = %d, want %d", claims.Iat, at.Unix())
	}
	if claims.Exp != at.Add(time.Hour).Unix() {
		t.Errorf("exp = %d, want %d", claims.Exp, at.Add(time.Hour).Unix())
	}
	if claims.Sub != "" {
		t.Errorf("sub should be empty without impersonation, got %q", claims.Sub)
	}
	if !got.ExpiresAt.Equal(at.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v", got.ExpiresAt)
	}
}

func TestSign_Impersonation(t *testing.T) {
	s := fixedSigner(time.Now())
	s.ImpersonateUser = "admin@example.com"

	got, err := s.Sign(ServiceAccount{Email: "a@b", PrivateKey: pkcs8PEM(t, testKey)}, "scope", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := jws.Decode(got.Token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claims.Sub != "admin@example.com" {
		t.Errorf("sub = %q, want admin@example.com", claims.Sub)
	}
}

func TestSign_PKCS1AndEscapedNewlines(t *testing.T) {
	s := fixedSigner(time.Now())
	escaped := strings.ReplaceAll(pkcs1PEM(testKey), "\n", `\n`)

	got, err := s.Sign(ServiceAccount{Email: "a@b", PrivateKey: escaped}, "scope", time.Hour)
	if err != nil {
		t.Fatalf("Sign with escaped PKCS1 key: %v", err)
	}
	if err := jws.Verify(got.Token, &testKey.PublicKey); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestSign_Errors(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	s := fixedSigner(time.Now())

	cases := []struct {
		name string
		sa   ServiceAccount
		ttl  time.Duration
		want string
	}{
		{"garbage key", ServiceAccount{Email: "a@b", PrivateKey: "not a key"}, time.Hour, "not PEM"},
		{"ec key", ServiceAccount{Email: "a@b", PrivateKey: pkcs8PEM(t, ecKey)}, time.Hour, "want RSA"},
		{"zero ttl", ServiceAccount{Email: "a@b", PrivateKey: pkcs8PEM(t, testKey)}, 0, "ttl must be positive"},
		{"no email", ServiceAccount{PrivateKey: pkcs8PEM(t, testKey)}, time.Hour, "email is empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Sign(tc.sa, "scope", tc.ttl)
			var se *SigningError
			if !errors.As(err, &se) {
				t.Fatalf("expected SigningError, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestJWSSigner_UnsupportedAlgorithm(t *testing.T) {
	_, err := JWSSigner{}.Sign(&jws.ClaimSet{Iss: "a"}, "HS256", testKey)
	if err == nil || !strings.Contains(err.Error(), "unsupported algorithm") {
		t.Fatalf("expected unsupported algorithm error, got %v", err)
	}
}

type failingSigner struct{}

func (failingSigner) Sign(*jws.ClaimSet, string, *rsa.PrivateKey) (string, error) {
	return "", errors.New("hsm unavailable")
}

func TestSign_WrapsBackendFailure(t *testing.T) {
	s := NewAssertionSigner(failingSigner{}, testAudience)
	_, err := s.Sign(ServiceAccount{Email: "a@b", PrivateKey: pkcs8PEM(t, testKey)}, "scope", time.Hour)
	var se *SigningError
	if !errors.As(err, &se) {
		t.Fatalf("expected SigningError, got %v", err)
	}
	if !strings.Contains(err.Error(), "hsm unavailable") {
		t.Errorf("expected backend error in message, got %q", err)
	}
}
