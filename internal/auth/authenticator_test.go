package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRevocations is an in-memory RevocationChecker for handshake tests.
type fakeRevocations struct {
	revoked map[string]bool
	err     error
	calls   int
}

func (f *fakeRevocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[token], nil
}

func newTestAuthenticator(t *testing.T, revocations RevocationChecker) (*Authenticator, *TokenService) {
	t.Helper()
	ts := newTestTokenService(time.Hour)
	return NewAuthenticator(ts, revocations, 2*time.Second, zaptest.NewLogger(t)), ts
}

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}

func TestBearerToken_Rejected(t *testing.T) {
	for _, header := range []string{"", "Bearer", "Bearer ", "Basic dXNlcg==", "bearer abc", "abc.def.ghi"} {
		_, err := BearerToken(header)
		assert.ErrorIs(t, err, ErrMissingBearer, "header %q", header)
	}
}

func TestAuthenticator_Success(t *testing.T) {
	revs := &fakeRevocations{revoked: map[string]bool{}}
	a, ts := newTestAuthenticator(t, revs)

	token, err := ts.Issue("bob")
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Subject)
	assert.False(t, id.IsZero())
	assert.Equal(t, 1, revs.calls)
}

func TestAuthenticator_MissingHeader(t *testing.T) {
	revs := &fakeRevocations{revoked: map[string]bool{}}
	a, _ := newTestAuthenticator(t, revs)

	_, err := a.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingBearer)
	assert.Zero(t, revs.calls, "no revocation lookup for absent credentials")
}

func TestAuthenticator_MalformedToken(t *testing.T) {
	a, _ := newTestAuthenticator(t, &fakeRevocations{revoked: map[string]bool{}})

	_, err := a.Authenticate(context.Background(), "Bearer garbage")
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	revs := &fakeRevocations{revoked: map[string]bool{}}
	a, ts := newTestAuthenticator(t, revs)

	token, err := ts.Issue("bob")
	require.NoError(t, err)

	ts.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = a.Authenticate(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Zero(t, revs.calls, "expired tokens are rejected before the store is consulted")
}

func TestAuthenticator_RevokedToken(t *testing.T) {
	revs := &fakeRevocations{revoked: map[string]bool{}}
	a, ts := newTestAuthenticator(t, revs)

	token, err := ts.Issue("bob")
	require.NoError(t, err)
	revs.revoked[token] = true

	_, err = a.Authenticate(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestAuthenticator_StoreFailureFailsClosed(t *testing.T) {
	revs := &fakeRevocations{err: errors.New("connection refused")}
	a, ts := newTestAuthenticator(t, revs)

	token, err := ts.Issue("bob")
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrRevocationUnavailable)
}

func TestAuthenticator_LookupTimeout(t *testing.T) {
	slow := &slowRevocations{delay: 200 * time.Millisecond}
	ts := newTestTokenService(time.Hour)
	a := NewAuthenticator(ts, slow, 10*time.Millisecond, zaptest.NewLogger(t))

	token, err := ts.Issue("bob")
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrRevocationUnavailable)
}

// slowRevocations blocks until the lookup context expires.
type slowRevocations struct {
	delay time.Duration
}

func (s *slowRevocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	select {
	case <-time.After(s.delay):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
