package credential

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2/jws"
)

// AlgorithmRS256 is the only assertion algorithm Google accepts for
// service-account JWT bearer grants.
const AlgorithmRS256 = "RS256"

// DefaultTTL is the lifetime of a signed assertion. Google rejects
// assertions that live longer than an hour.
const DefaultTTL = time.Hour

// ServiceAccount is the identity material read from the secret store.
type ServiceAccount struct {
	Email      string
	PrivateKey string
}

// SignedAssertion is a JWT proving possession of a service-account key.
// One is built per request and discarded after the token exchange.
type SignedAssertion struct {
	Token     string
	Issuer    string
	Audience  string
	Scope     string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SigningError reports a malformed key, an unsupported algorithm or a
// failed signature. It only ever affects the request that produced it.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sign assertion: %s: %v", e.Reason, e.Err)
	}
	return "sign assertion: " + e.Reason
}

func (e *SigningError) Unwrap() error { return e.Err }

// Signer turns a claim set into a compact serialized JWS.
type Signer interface {
	Sign(claims *jws.ClaimSet, algorithm string, key *rsa.PrivateKey) (string, error)
}

// JWSSigner signs claim sets with golang.org/x/oauth2/jws.
type JWSSigner struct{}

func (JWSSigner) Sign(claims *jws.ClaimSet, algorithm string, key *rsa.PrivateKey) (string, error) {
	if algorithm != AlgorithmRS256 {
		return "", &SigningError{Reason: fmt.Sprintf("unsupported algorithm %q", algorithm)}
	}
	if key == nil {
		return "", &SigningError{Reason: "nil private key"}
	}
	token, err := jws.Encode(&jws.Header{Algorithm: algorithm, Typ: "JWT"}, claims, key)
	if err != nil {
		return "", &SigningError{Reason: "encode jws", Err: err}
	}
	return token, nil
}

// AssertionSigner builds service-account assertions for a fixed token
// endpoint audience.
type AssertionSigner struct {
	signer   Signer
	audience string

	// ImpersonateUser sets the "sub" claim for domain-wide delegation.
	// Empty by default; delegation has to be granted in the Workspace
	// admin console before Google honours it.
	ImpersonateUser string

	now func() time.Time
}

// NewAssertionSigner creates a signer whose assertions target audience.
// A nil signer selects JWSSigner.
func NewAssertionSigner(signer Signer, audience string) *AssertionSigner {
	if signer == nil {
		signer = JWSSigner{}
	}
	return &AssertionSigner{
		signer:   signer,
		audience: audience,
		now:      time.Now,
	}
}

// Sign builds and signs {iss, aud, scope, iat, exp[, sub]} for sa.
func (a *AssertionSigner) Sign(sa ServiceAccount, scope string, ttl time.Duration) (SignedAssertion, error) {
	if ttl <= 0 {
		return SignedAssertion{}, &SigningError{Reason: fmt.Sprintf("ttl must be positive, got %s", ttl)}
	}
	if sa.Email == "" {
		return SignedAssertion{}, &SigningError{Reason: "service account email is empty"}
	}

	key, err := ParsePrivateKey(sa.PrivateKey)
	if err != nil {
		return SignedAssertion{}, err
	}

	issuedAt := a.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	claims := &jws.ClaimSet{
		Iss:   sa.Email,
		Aud:   a.audience,
		Scope: scope,
		Iat:   issuedAt.Unix(),
		Exp:   expiresAt.Unix(),
		Sub:   a.ImpersonateUser,
	}

	token, err := a.signer.Sign(claims, AlgorithmRS256, key)
	if err != nil {
		var se *SigningError
		if errors.As(err, &se) {
			return SignedAssertion{}, err
		}
		return SignedAssertion{}, &SigningError{Reason: "signer failed", Err: err}
	}

	return SignedAssertion{
		Token:     token,
		Issuer:    sa.Email,
		Audience:  a.audience,
		Scope:     scope,
		Subject:   a.ImpersonateUser,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// ParsePrivateKey decodes a PEM RSA private key. Keys pasted into env
// vars or secret stores often carry literal "\n" sequences, which are
// turned back into newlines first.
func ParsePrivateKey(pemKey string) (*rsa.PrivateKey, error) {
	pemKey = strings.ReplaceAll(pemKey, `\n`, "\n")

	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, &SigningError{Reason: "private key is not PEM encoded"}
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Google issues PKCS#8 keys; PKCS#1 shows up when keys are
		// converted with older openssl invocations.
		rsaKey, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, &SigningError{Reason: "parse private key", Err: fmt.Errorf("%w (also tried PKCS1: %v)", err, pkcs1Err)}
		}
		return rsaKey, nil
	}

	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, &SigningError{Reason: fmt.Sprintf("private key is %T, want RSA", parsed)}
	}
	return rsaKey, nil
}
