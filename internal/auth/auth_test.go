package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-build/internal/wes"
)

func sapporoUser(t *testing.T, username, password string) wes.SapporoUser {
	t.Helper()
	svc := NewPasswordService()
	hash, err := svc.HashPassword(password)
	require.NoError(t, err)
	return wes.SapporoUser{Username: username, PasswordHash: hash}
}

func newSapporoAuthenticator(t *testing.T, users ...wes.SapporoUser) *Authenticator {
	t.Helper()
	cfg := wes.AuthConfig{
		AuthEnabled: true,
		IdpProvider: "sapporo",
		SapporoAuthConfig: wes.SapporoAuthConfig{
			SecretKey: "test-secret-key-not-for-production",
			Users:     users,
		},
	}
	authn, err := New(cfg, false)
	require.NoError(t, err)
	return authn
}

func TestLoginIssuesValidTokenForCorrectCredentials(t *testing.T) {
	user := sapporoUser(t, "alice", "correct-horse-battery")
	authn := newSapporoAuthenticator(t, user)

	token, err := authn.Login("alice", "correct-horse-battery")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	username, err := authn.Verify(t.Context(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	user := sapporoUser(t, "alice", "correct-horse-battery")
	authn := newSapporoAuthenticator(t, user)

	_, err := authn.Login("alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	authn := newSapporoAuthenticator(t)
	_, err := authn.Login("ghost", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	jwtSvc := NewJWTService("test-secret-key-not-for-production", "wes-run-manager")
	past := time.Now().Add(-time.Hour)
	token, err := jwtSvc.IssueToken("alice", &past)
	require.NoError(t, err)

	_, err = jwtSvc.ValidateToken(token)
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	jwtSvc := NewJWTService("test-secret-key-not-for-production", "wes-run-manager")
	token, err := jwtSvc.IssueToken("alice", nil)
	require.NoError(t, err)

	_, err = jwtSvc.ValidateToken(token + "tampered")
	assert.Error(t, err)
}

func TestVerifyRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	issuer := NewJWTService("secret-a", "wes-run-manager")
	verifier := NewJWTService("secret-b", "wes-run-manager")

	token, err := issuer.IssueToken("alice", nil)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestPasswordRoundTrip(t *testing.T) {
	svc := NewPasswordService()
	hash, err := svc.HashPassword("sup3r-Secure!")
	require.NoError(t, err)

	ok, err := svc.VerifyPassword("sup3r-Secure!", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}
