package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrMissingBearer is returned when the Authorization value is absent or
// not of the form "Bearer <token>".
var ErrMissingBearer = errors.New("missing bearer token")

// ErrTokenRevoked is returned when a token was explicitly invalidated
// before its natural expiry.
var ErrTokenRevoked = errors.New("token revoked")

// ErrRevocationUnavailable is returned when the revocation store cannot
// prove a token non-revoked. The handshake fails closed.
var ErrRevocationUnavailable = errors.New("revocation store unavailable")

// Identity is the verified principal bound to a connection at handshake
// completion. It is immutable for the life of the connection; there is no
// anonymous variant, anything other than a named subject is rejected at
// the boundary.
type Identity struct {
	Subject string
}

// IsZero reports whether no identity is bound.
func (id Identity) IsZero() bool { return id.Subject == "" }

// RevocationChecker is the membership test consulted on every handshake.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Authenticator validates the bearer token presented at connection
// establishment and produces the identity to bind to the connection.
type Authenticator struct {
	tokens      *TokenService
	revocations RevocationChecker
	timeout     time.Duration
	logger      *zap.Logger
}

// NewAuthenticator creates an Authenticator.
//
// Precondition: tokens, revocations, and logger must be non-nil; timeout
// must be positive.
func NewAuthenticator(tokens *TokenService, revocations RevocationChecker, timeout time.Duration, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		tokens:      tokens,
		revocations: revocations,
		timeout:     timeout,
		logger:      logger,
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// value.
//
// Postcondition: Returns the raw token string or ErrMissingBearer.
func BearerToken(authorization string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", ErrMissingBearer
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	if token == "" {
		return "", ErrMissingBearer
	}
	return token, nil
}

// Authenticate verifies the bearer token and consults the revocation
// store. Failures reject the handshake with no partial side effects;
// there is no anonymous downgrade.
//
// The revocation lookup is bounded by the configured timeout and fails
// closed: an unreachable store means the token cannot be proven
// non-revoked, so the connection is refused.
//
// Postcondition: Returns the verified Identity, or an error from the
// package taxonomy (ErrMissingBearer, ErrTokenMalformed, ErrTokenExpired,
// ErrTokenUnsupported, ErrTokenRevoked, ErrRevocationUnavailable).
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (Identity, error) {
	token, err := BearerToken(authorization)
	if err != nil {
		return Identity{}, err
	}

	subject, err := a.tokens.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	revoked, err := a.revocations.IsRevoked(lookupCtx, token)
	if err != nil {
		a.logger.Error("revocation lookup failed, rejecting handshake",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return Identity{}, fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
	}
	if revoked {
		return Identity{}, ErrTokenRevoked
	}

	return Identity{Subject: subject}, nil
}
