// Package auth provides identity token issuing and verification plus the
// bearer-token handshake authenticator for incoming connections.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenMalformed is returned when a token cannot be parsed or its
// signature does not match the current signing secret.
var ErrTokenMalformed = errors.New("token malformed")

// ErrTokenExpired is returned when a token's expiry instant has passed.
var ErrTokenExpired = errors.New("token expired")

// ErrTokenUnsupported is returned for structurally valid tokens whose
// schema is not recognised (wrong algorithm, missing subject or expiry).
var ErrTokenUnsupported = errors.New("token unsupported")

// errUnexpectedMethod marks tokens signed with anything other than HS256.
var errUnexpectedMethod = errors.New("unexpected signing method")

// TokenService issues and verifies signed, time-limited identity tokens.
// Tokens are HS256 JWTs carrying subject, issued-at, and expiry claims.
//
// Expiry comparison is strict (now >= expiry means expired) and clock
// skew between issuer and verifier is not compensated; this is a known
// limitation of the scheme.
type TokenService struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenService creates a TokenService signing with the given secret.
//
// Precondition: secret must be non-empty; lifetime must be positive.
func NewTokenService(secret string, lifetime time.Duration) *TokenService {
	return &TokenService{
		secret:   []byte(secret),
		lifetime: lifetime,
		now:      time.Now,
	}
}

// Issue builds and signs a token for the given subject. The expiry is the
// issue instant plus the configured lifetime.
//
// Precondition: subject must be non-empty.
// Postcondition: Returns a compact signed token string.
func (s *TokenService) Issue(subject string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("issuing token: empty subject")
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify checks the token's signature and expiry and returns its subject.
//
// Postcondition: Returns the subject, or ErrTokenMalformed /
// ErrTokenExpired / ErrTokenUnsupported.
func (s *TokenService) Verify(tokenString string) (string, error) {
	claims, err := s.parse(tokenString, false)
	if err != nil {
		return "", err
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return "", ErrTokenUnsupported
	}
	// jwt treats exp == now as still valid; the contract here is strict.
	if !s.now().Before(claims.ExpiresAt.Time) {
		return "", ErrTokenExpired
	}

	return claims.Subject, nil
}

// ExpiryOf returns the expiry instant carried by the token, verifying the
// signature but not the claims. The logout path uses it to size the
// revocation retention window, and it must work even for tokens that are
// about to expire.
//
// Postcondition: Returns the expiry timestamp or an error.
func (s *TokenService) ExpiryOf(tokenString string) (time.Time, error) {
	claims, err := s.parse(tokenString, true)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrTokenUnsupported
	}
	return claims.ExpiresAt.Time, nil
}

// parse verifies the signature and decodes registered claims, mapping
// library errors onto the package's verification taxonomy.
func (s *TokenService) parse(tokenString string, skipClaimChecks bool) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(s.now),
	}
	if skipClaimChecks {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errUnexpectedMethod
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, errUnexpectedMethod):
			return nil, ErrTokenUnsupported
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, ErrTokenMalformed
		}
	}
	return claims, nil
}
