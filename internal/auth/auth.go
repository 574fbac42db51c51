// Package auth provides operator account registration and login checks.
//
// Credentials are stored as salted SHA-256 digests. This is deliberately a
// minimal scheme for a single-operator deployment; swap in a KDF before
// exposing the API beyond a trusted network.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"skyfleet/internal/models"
	"skyfleet/internal/store"
)

// Sentinel errors for authentication operations.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTooShort   = errors.New("username must be at least 3 characters")
	ErrPasswordTooShort   = errors.New("password must be at least 6 characters")
	ErrUsernameTaken      = errors.New("username already taken")
)

const (
	minUsernameLen = 3
	minPasswordLen = 6
	saltBytes      = 16
)

// Service performs account operations against the shared store.
type Service struct {
	store *store.Store
}

// NewService creates a new auth service.
func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// Register creates a new operator account.
func (a *Service) Register(username, password, email string) (*models.User, error) {
	if len(username) < minUsernameLen {
		return nil, ErrUsernameTooShort
	}
	if len(password) < minPasswordLen {
		return nil, ErrPasswordTooShort
	}

	salt, err := newSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	user, err := a.store.InsertUser(username, hashPassword(password, salt), salt, email)
	if errors.Is(err, store.ErrDuplicateUser) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies a username/password pair. It returns ErrInvalidCredentials
// for both unknown users and wrong passwords, so callers cannot probe for
// registered usernames.
func (a *Service) Login(username, password string) (*models.User, error) {
	record, err := a.store.GetUserByUsername(username)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	expected := hashPassword(password, record.Salt)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(record.PasswordHash)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &record.User, nil
}

func newSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}
