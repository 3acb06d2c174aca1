package auth

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by DevUserStore.Verify on a bad
// username/password pair.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// DevUser is a minimal in-memory credential used only to mint demo
// bearer tokens for local development and tests — there is no relational
// user store in scope for a Redis-only presence service (§1 Non-goals).
// Grounded on the teacher's bootstrap.ensureDevRootAdmin bcrypt usage.
type DevUser struct {
	UserID       string
	PasswordHash string
}

// DevUserStore is a process-local, in-memory username -> DevUser table.
type DevUserStore struct {
	mu    sync.RWMutex
	users map[string]DevUser
}

// NewDevUserStore returns an empty store.
func NewDevUserStore() *DevUserStore {
	return &DevUserStore{users: make(map[string]DevUser)}
}

// Register hashes password with bcrypt and stores a new dev user, minting
// a fresh userId if one was not supplied.
func (s *DevUserStore) Register(username, userID, password string) (string, error) {
	if userID == "" {
		userID = uuid.NewString()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = DevUser{UserID: userID, PasswordHash: string(hash)}
	return userID, nil
}

// Verify checks username/password against the stored bcrypt hash and
// returns the bound userId on success.
func (s *DevUserStore) Verify(username, password string) (string, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return u.UserID, nil
}
