package authstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Memory is an in-memory Store for tests. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	byUID   map[string]*memUser
	byEmail map[string]string
}

type memUser struct {
	User
	hash []byte
}

// NewMemory returns an empty in-memory auth store.
func NewMemory() *Memory {
	return &Memory{
		byUID:   make(map[string]*memUser),
		byEmail: make(map[string]string),
	}
}

func (s *Memory) CreateUser(_ context.Context, email, password, displayName string) (string, error) {
	return s.CreateUserWithUID(uuid.New().String(), email, password, displayName)
}

// CreateUserWithUID seeds an account under a chosen uid. Tests use it to
// reproduce auth/profile uid divergence.
func (s *Memory) CreateUserWithUID(uid, email, password, displayName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = NormalizeEmail(email)
	if _, exists := s.byEmail[email]; exists {
		return "", ErrEmailExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", ErrTransient
	}
	s.byUID[uid] = &memUser{
		User: User{UID: uid, Email: email, DisplayName: displayName, Claims: map[string]any{}},
		hash: hash,
	}
	s.byEmail[email] = uid
	return uid, nil
}

func (s *Memory) GetUser(_ context.Context, uid string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byUID[uid]
	if !ok {
		return User{}, ErrNotFound
	}
	return u.User, nil
}

func (s *Memory) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.byUID[uid].User, nil
}

func (s *Memory) UpdateUser(_ context.Context, uid string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byUID[uid]
	if !ok {
		return ErrNotFound
	}
	if patch.Email != nil {
		email := NormalizeEmail(*patch.Email)
		if other, exists := s.byEmail[email]; exists && other != uid {
			return ErrEmailExists
		}
		delete(s.byEmail, u.Email)
		u.Email = email
		s.byEmail[email] = uid
	}
	if patch.DisplayName != nil {
		u.DisplayName = *patch.DisplayName
	}
	if patch.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*patch.Password), bcrypt.MinCost)
		if err != nil {
			return ErrTransient
		}
		u.hash = hash
	}
	return nil
}

func (s *Memory) SetCustomClaims(_ context.Context, uid string, claims map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byUID[uid]
	if !ok {
		return ErrNotFound
	}
	if u.Claims == nil {
		u.Claims = map[string]any{}
	}
	for k, v := range claims {
		u.Claims[k] = v
	}
	return nil
}

func (s *Memory) VerifyPassword(_ context.Context, email, password string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(s.byUID[uid].hash, []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return uid, nil
}
