// Package passcode verifies the shared team passcodes users log in with.
package passcode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bulletin/api/internal/rbac"
	"bulletin/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or passcode")
	ErrRoleMismatch       = errors.New("role does not match user")
)

func Hash(passcode string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash passcode: %w", err)
	}
	return string(hash), nil
}

func Verify(hash, passcode string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passcode)) == nil
}

// UserStore is the lookup the authenticator needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
}

type Authenticator struct {
	users UserStore
}

func NewAuthenticator(users UserStore) *Authenticator {
	return &Authenticator{users: users}
}

// Authenticate checks the passcode first and the requested role second, so
// a caller cannot probe which role a username holds without its passcode.
func (a *Authenticator) Authenticate(ctx context.Context, username, role, code string) (store.User, error) {
	if strings.TrimSpace(username) == "" || code == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := a.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, err
	}
	if !Verify(user.PasscodeHash, code) {
		return store.User{}, ErrInvalidCredentials
	}
	if role != "" && !strings.EqualFold(role, user.Role) {
		return store.User{}, ErrRoleMismatch
	}
	return user, nil
}

// Seed is one bootstrap user parsed from configuration.
type Seed struct {
	Username string
	Role     string
	Passcode string
}

// ParseSeeds reads "name:role:passcode" entries separated by commas.
func ParseSeeds(raw string) ([]Seed, error) {
	seeds := make([]Seed, 0)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("seed user %q: want name:role:passcode", entry)
		}
		role, ok := rbac.Lookup(parts[1])
		if !ok {
			return nil, fmt.Errorf("seed user %q: unknown role %q", parts[0], parts[1])
		}
		seeds = append(seeds, Seed{Username: parts[0], Role: string(role), Passcode: parts[2]})
	}
	return seeds, nil
}
