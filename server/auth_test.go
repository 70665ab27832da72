package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthStore(t *testing.T) *AuthStore {
	t.Helper()
	s, err := NewAuthStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)
	return s
}

func TestCreateAccountAndAuthenticate(t *testing.T) {
	s := newTestAuthStore(t)

	require.NoError(t, s.CreateAccount("alice", "correct-horse", "alice@example.com"))
	assert.True(t, s.AccountExists("alice"))

	token, err := s.Authenticate("alice", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	username, ok := s.VerifySession(token)
	assert.True(t, ok)
	assert.Equal(t, "alice", username)

	s.Logout(token)
	_, ok = s.VerifySession(token)
	assert.False(t, ok)
}

func TestCreateAccountValidation(t *testing.T) {
	s := newTestAuthStore(t)

	assert.Error(t, s.CreateAccount("alice", "short", ""))
	assert.Error(t, s.CreateAccount("x", "longenough", ""))
	assert.Error(t, s.CreateAccount("alice", "longenough", "not-an-email"))

	require.NoError(t, s.CreateAccount("alice", "longenough", ""))
	assert.ErrorIs(t, s.CreateAccount("alice", "otherpassword", ""), ErrUsernameTaken)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.CreateAccount("alice", "correct-horse", ""))

	_, err := s.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate("nobody", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLockoutAfterFailedAttempts(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.CreateAccount("alice", "correct-horse", ""))

	for i := 0; i < maxFailedAttempts-1; i++ {
		_, err := s.Authenticate("alice", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i)
	}
	// The fifth failure trips the lock.
	_, err := s.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrAccountLocked)

	// Correct credentials are refused while locked.
	_, err = s.Authenticate("alice", "correct-horse")
	assert.ErrorIs(t, err, ErrAccountLocked)

	// The lock clears once the window has passed since the last failure.
	s.mu.Lock()
	s.accounts["alice"].LastFailedAt = time.Now().Add(-16 * time.Minute)
	s.mu.Unlock()

	token, err := s.Authenticate("alice", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestChangePassword(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.CreateAccount("alice", "old-password", ""))

	assert.ErrorIs(t, s.ChangePassword("alice", "wrong", "new-password"), ErrInvalidCredentials)
	assert.Error(t, s.ChangePassword("alice", "old-password", "short"))
	assert.ErrorIs(t, s.ChangePassword("nobody", "x", "new-password"), ErrAccountNotFound)

	require.NoError(t, s.ChangePassword("alice", "old-password", "new-password"))
	_, err := s.Authenticate("alice", "old-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate("alice", "new-password")
	assert.NoError(t, err)
}

func TestAccountsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	s, err := NewAuthStore(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount("alice", "correct-horse", "alice@example.com"))

	s2, err := NewAuthStore(path)
	require.NoError(t, err)
	token, err := s2.Authenticate("alice", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	// Session tokens are memory-only and do not survive the restart.
	s3, err := NewAuthStore(path)
	require.NoError(t, err)
	_, ok := s3.VerifySession(token)
	assert.False(t, ok)
}

func TestSessionTokensAreUnique(t *testing.T) {
	s := newTestAuthStore(t)
	require.NoError(t, s.CreateAccount("alice", "correct-horse", ""))

	seen := make(map[string]struct{})
	for i := 0; i < 32; i++ {
		token, err := s.Authenticate("alice", "correct-horse")
		require.NoError(t, err)
		seen[token] = struct{}{}
	}
	assert.Len(t, seen, 32)
}
