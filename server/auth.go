package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/larry-lines/justIRC/protocol"
)

const (
	pbkdf2Iterations = 100000
	saltSize         = 32
	tokenSize        = 32

	maxFailedAttempts = 5
	lockoutWindow     = 15 * time.Minute
)

var (
	ErrUsernameTaken      = errors.New("server: username already taken")
	ErrInvalidCredentials = errors.New("server: invalid credentials")
	ErrAccountLocked      = errors.New("server: account locked")
	ErrAccountNotFound    = errors.New("server: account not found")
)

// Account is one persistent account record. The password is stored as a
// PBKDF2-HMAC-SHA256 hash with a per-account salt.
type Account struct {
	Username       string    `json:"username"`
	Hash           string    `json:"hash"`
	Salt           string    `json:"salt"`
	Iterations     int       `json:"iterations"`
	Email          string    `json:"email,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	FailedAttempts int       `json:"failed_attempts"`
	LastFailedAt   time.Time `json:"last_failed_at,omitempty"`
}

// AuthStore owns the accounts file and the in-memory session tokens.
// Sessions do not survive a restart.
type AuthStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	sessions map[string]string
	path     string
}

// NewAuthStore loads accounts from path; a missing file means no accounts.
func NewAuthStore(path string) (*AuthStore, error) {
	s := &AuthStore{
		accounts: make(map[string]*Account),
		sessions: make(map[string]string),
		path:     path,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("server: load accounts: %w", err)
	}
	if err := json.Unmarshal(data, &s.accounts); err != nil {
		return nil, fmt.Errorf("server: parse accounts: %w", err)
	}
	return s, nil
}

func (s *AuthStore) saveLocked() {
	data, err := json.MarshalIndent(s.accounts, "", "  ")
	if err != nil {
		return
	}
	writeFileAtomic(s.path, data)
}

func hashPassword(password string, salt []byte, iterations int) string {
	key := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	return hex.EncodeToString(key)
}

// CreateAccount validates and stores a new account record.
func (s *AuthStore) CreateAccount(username, password, email string) error {
	if err := protocol.ValidateNickname(username); err != nil {
		return fmt.Errorf("server: invalid username: %w", err)
	}
	if err := protocol.ValidatePassword(password); err != nil {
		return fmt.Errorf("server: weak password: %w", err)
	}
	if err := protocol.ValidateEmail(email); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[username]; exists {
		return ErrUsernameTaken
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("server: read salt: %w", err)
	}
	s.accounts[username] = &Account{
		Username:   username,
		Hash:       hashPassword(password, salt, pbkdf2Iterations),
		Salt:       hex.EncodeToString(salt),
		Iterations: pbkdf2Iterations,
		Email:      email,
		CreatedAt:  time.Now(),
	}
	s.saveLocked()
	return nil
}

// Authenticate verifies credentials and mints a session token. Five
// failures inside the lockout window lock the account for the window
// duration, measured from the last failure.
func (s *AuthStore) Authenticate(username, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[username]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if s.lockedLocked(acct) {
		return "", ErrAccountLocked
	}

	salt, err := hex.DecodeString(acct.Salt)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	computed := hashPassword(password, salt, acct.Iterations)
	if !hmac.Equal([]byte(computed), []byte(acct.Hash)) {
		if time.Since(acct.LastFailedAt) > lockoutWindow {
			acct.FailedAttempts = 0
		}
		acct.FailedAttempts++
		acct.LastFailedAt = time.Now()
		s.saveLocked()
		if s.lockedLocked(acct) {
			return "", ErrAccountLocked
		}
		return "", ErrInvalidCredentials
	}

	acct.FailedAttempts = 0
	s.saveLocked()

	raw := make([]byte, tokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("server: mint session token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(raw)
	s.sessions[token] = username
	return token, nil
}

// lockedLocked reports whether the account is currently locked out.
// Failures age out of the window, clearing the lock.
func (s *AuthStore) lockedLocked(acct *Account) bool {
	if acct.FailedAttempts < maxFailedAttempts {
		return false
	}
	if time.Since(acct.LastFailedAt) > lockoutWindow {
		acct.FailedAttempts = 0
		return false
	}
	return true
}

// VerifySession resolves a session token to its username.
func (s *AuthStore) VerifySession(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.sessions[token]
	return username, ok
}

// Logout invalidates a session token.
func (s *AuthStore) Logout(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// ChangePassword replaces the password after verifying the old one.
func (s *AuthStore) ChangePassword(username, oldPassword, newPassword string) error {
	if err := protocol.ValidatePassword(newPassword); err != nil {
		return fmt.Errorf("server: weak password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[username]
	if !ok {
		return ErrAccountNotFound
	}
	salt, err := hex.DecodeString(acct.Salt)
	if err != nil {
		return ErrInvalidCredentials
	}
	if !hmac.Equal([]byte(hashPassword(oldPassword, salt, acct.Iterations)), []byte(acct.Hash)) {
		return ErrInvalidCredentials
	}

	newSalt := make([]byte, saltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("server: read salt: %w", err)
	}
	acct.Salt = hex.EncodeToString(newSalt)
	acct.Hash = hashPassword(newPassword, newSalt, pbkdf2Iterations)
	acct.Iterations = pbkdf2Iterations
	s.saveLocked()
	return nil
}

// AccountExists reports whether the username has an account.
func (s *AuthStore) AccountExists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[username]
	return ok
}
