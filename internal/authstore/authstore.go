// Package authstore wraps the external identity provider behind a small
// typed surface. Credentials never leave the adapter: callers verify
// passwords through it, they never see hashes.
package authstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("authstore: user not found")
	ErrEmailExists        = errors.New("authstore: email already exists")
	ErrInvalidCredentials = errors.New("authstore: invalid credentials")
	ErrTransient          = errors.New("authstore: transient error")
)

// User is the identity-provider view of an account.
type User struct {
	UID         string
	Email       string
	DisplayName string
	Claims      map[string]any
}

// Patch updates a subset of a user's attributes; nil fields are untouched.
type Patch struct {
	Email       *string
	Password    *string
	DisplayName *string
}

// Store is the identity-provider surface the server depends on.
type Store interface {
	// CreateUser registers a new account and returns its uid.
	CreateUser(ctx context.Context, email, password, displayName string) (string, error)
	GetUser(ctx context.Context, uid string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUser(ctx context.Context, uid string, patch Patch) error
	SetCustomClaims(ctx context.Context, uid string, claims map[string]any) error
	// VerifyPassword checks a plaintext password against the stored hash and
	// returns the account uid on success, ErrInvalidCredentials otherwise.
	VerifyPassword(ctx context.Context, email, password string) (string, error)
}

// Role extracts the role claim, defaulting to "user".
func Role(u User) string {
	if r, ok := u.Claims["role"].(string); ok && r != "" {
		return r
	}
	return "user"
}
