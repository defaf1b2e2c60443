package authstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// PG implements Store over a Postgres credential table with bcrypt hashes.
type PG struct {
	Pool *pgxpool.Pool
}

// NewPG wraps a pgx pool as an auth store.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{Pool: pool}
}

// NormalizeEmail is the canonical email form used for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *PG) CreateUser(ctx context.Context, email, password, displayName string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	uid := uuid.New().String()
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO credential (uid, email, display_name, password_hash, claims)
		VALUES ($1, $2, $3, $4, '{}'::jsonb)
	`, uid, NormalizeEmail(email), displayName, string(hash))
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrEmailExists
		}
		log.Error().Err(err).Msg("credential insert failed")
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return uid, nil
}

func (s *PG) GetUser(ctx context.Context, uid string) (User, error) {
	return s.getOne(ctx, `SELECT uid, email, display_name, claims FROM credential WHERE uid = $1`, uid)
}

func (s *PG) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getOne(ctx, `SELECT uid, email, display_name, claims FROM credential WHERE email = $1`, NormalizeEmail(email))
}

func (s *PG) getOne(ctx context.Context, sql string, arg any) (User, error) {
	var u User
	err := s.Pool.QueryRow(ctx, sql, arg).Scan(&u.UID, &u.Email, &u.DisplayName, &u.Claims)
	if err == pgx.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Msg("credential lookup failed")
		return User{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return u, nil
}

func (s *PG) UpdateUser(ctx context.Context, uid string, patch Patch) error {
	if patch.Email != nil {
		tag, err := s.Pool.Exec(ctx,
			`UPDATE credential SET email = $2, updated_at = now() WHERE uid = $1`,
			uid, NormalizeEmail(*patch.Email))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrEmailExists
			}
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}
	if patch.DisplayName != nil {
		tag, err := s.Pool.Exec(ctx,
			`UPDATE credential SET display_name = $2, updated_at = now() WHERE uid = $1`,
			uid, *patch.DisplayName)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}
	if patch.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*patch.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		tag, err := s.Pool.Exec(ctx,
			`UPDATE credential SET password_hash = $2, updated_at = now() WHERE uid = $1`,
			uid, string(hash))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PG) SetCustomClaims(ctx context.Context, uid string, claims map[string]any) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE credential SET claims = claims || $2, updated_at = now() WHERE uid = $1`,
		uid, claims)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) VerifyPassword(ctx context.Context, email, password string) (string, error) {
	var uid, hash string
	err := s.Pool.QueryRow(ctx,
		`SELECT uid, password_hash FROM credential WHERE email = $1`,
		NormalizeEmail(email)).Scan(&uid, &hash)
	if err == pgx.ErrNoRows {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		log.Error().Err(err).Msg("credential lookup failed")
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return uid, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
