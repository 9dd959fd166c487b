package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestTokenService(lifetime time.Duration) *TokenService {
	return NewTokenService(testSecret, lifetime)
}

func TestTokenService_RoundTrip(t *testing.T) {
	ts := newTestTokenService(time.Hour)

	for _, subject := range []string{"alice", "bob", "user-with-dashes", "日本語"} {
		token, err := ts.Issue(subject)
		require.NoError(t, err)

		got, err := ts.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, subject, got)
	}
}

func TestTokenService_IssueEmptySubject(t *testing.T) {
	ts := newTestTokenService(time.Hour)
	_, err := ts.Issue("")
	assert.Error(t, err)
}

func TestTokenService_VerifyGarbage(t *testing.T) {
	ts := newTestTokenService(time.Hour)

	for _, token := range []string{"", "not-a-token", "a.b.c", "    "} {
		_, err := ts.Verify(token)
		assert.ErrorIs(t, err, ErrTokenMalformed, "token %q", token)
	}
}

func TestTokenService_VerifyWrongSecret(t *testing.T) {
	ts := newTestTokenService(time.Hour)
	other := NewTokenService("ffffffffffffffffffffffffffffffff", time.Hour)

	token, err := other.Issue("alice")
	require.NoError(t, err)

	_, err = ts.Verify(token)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestTokenService_VerifyExpired(t *testing.T) {
	ts := newTestTokenService(time.Hour)

	token, err := ts.Issue("alice")
	require.NoError(t, err)

	// Jump the verifier's clock past the expiry instant.
	ts.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = ts.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenService_VerifyExactExpiryInstant(t *testing.T) {
	ts := newTestTokenService(time.Hour)
	issued := time.Now().Truncate(time.Second)
	ts.now = func() time.Time { return issued }

	token, err := ts.Issue("alice")
	require.NoError(t, err)

	// now == expiry is already expired; the comparison is strict.
	ts.now = func() time.Time { return issued.Add(time.Hour) }
	_, err = ts.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	ts.now = func() time.Time { return issued.Add(time.Hour - time.Second) }
	subject, err := ts.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)
}

func TestTokenService_VerifyUnsupportedAlgorithm(t *testing.T) {
	ts := newTestTokenService(time.Hour)

	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ts.Verify(token)
	assert.ErrorIs(t, err, ErrTokenUnsupported)
}

func TestTokenService_VerifyMissingSubject(t *testing.T) {
	ts := newTestTokenService(time.Hour)

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ts.Verify(token)
	assert.ErrorIs(t, err, ErrTokenUnsupported)
}

func TestTokenService_ExpiryOf(t *testing.T) {
	ts := newTestTokenService(time.Hour)
	issued := time.Now().Truncate(time.Second)
	ts.now = func() time.Time { return issued }

	token, err := ts.Issue("alice")
	require.NoError(t, err)

	expiry, err := ts.ExpiryOf(token)
	require.NoError(t, err)
	assert.True(t, expiry.Equal(issued.Add(time.Hour)))
}

func TestTokenService_ExpiryOfExpiredToken(t *testing.T) {
	// The logout path must be able to read the expiry of a token that
	// has already lapsed.
	ts := newTestTokenService(time.Hour)
	issued := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	ts.now = func() time.Time { return issued }

	token, err := ts.Issue("alice")
	require.NoError(t, err)

	ts.now = time.Now
	_, err = ts.Verify(token)
	require.ErrorIs(t, err, ErrTokenExpired)

	expiry, err := ts.ExpiryOf(token)
	require.NoError(t, err)
	assert.True(t, expiry.Equal(issued.Add(time.Hour)))
}

func TestTokenService_ExpiryOfWrongSignature(t *testing.T) {
	ts := newTestTokenService(time.Hour)
	other := NewTokenService("ffffffffffffffffffffffffffffffff", time.Hour)

	token, err := other.Issue("alice")
	require.NoError(t, err)

	_, err = ts.ExpiryOf(token)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestTokenService_TokenIsOpaque(t *testing.T) {
	ts := newTestTokenService(time.Hour)
	token, err := ts.Issue("alice")
	require.NoError(t, err)

	// Tampering with the payload must break the signature.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	_, err = ts.Verify(tampered)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}
