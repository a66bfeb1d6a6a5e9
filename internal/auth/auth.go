// Package auth gates access to the simulation behind a username/password check.
package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/truststudy/carehome/internal/infra/storage"
	"github.com/truststudy/carehome/internal/platform/config"
)

// ErrInvalidCredentials is returned for unknown users and wrong passwords alike.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Verifier checks a login attempt.
type Verifier interface {
	Verify(ctx context.Context, username, password string) error
}

// Store verifies credentials against bcrypt hashes held in a UserRepository.
type Store struct {
	users     storage.UserRepository
	dummyHash []byte
}

// NewStore creates a credential store over users.
func NewStore(users storage.UserRepository) *Store {
	// Unknown usernames still pay for one bcrypt comparison.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("carehome-unknown-user"), bcrypt.DefaultCost)
	return &Store{users: users, dummyHash: dummy}
}

// Verify implements Verifier.
func (s *Store) Verify(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Seed writes the configured accounts, replacing existing hashes.
func (s *Store) Seed(ctx context.Context, users []config.SeedUser) error {
	for _, u := range users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("user %q: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		if err := s.users.Upsert(ctx, storage.UserRecord{Username: u.Username, PasswordHash: u.PasswordHash}); err != nil {
			return err
		}
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for config seeding.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
