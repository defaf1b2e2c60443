// Package authflow implements account registration, login, and the
// forgot-password OTP workflow, including the uid-reconciliation repair that
// heals divergence between the identity provider and the profile store.
package authflow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fieldlink/fieldlink-api/internal/auth"
	"github.com/fieldlink/fieldlink-api/internal/authstore"
	"github.com/fieldlink/fieldlink-api/internal/docstore"
	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/mail"
	"github.com/fieldlink/fieldlink-api/internal/timeutil"
	"github.com/fieldlink/fieldlink-api/internal/validate"
)

const (
	usersCollection = "users"
	otpCollection   = "password_resets"

	otpTTL = 10 * time.Minute
)

var (
	// ErrProfileNotFound means no user profile exists for the email.
	ErrProfileNotFound = errors.New("authflow: profile not found")
	// ErrOTPInvalid covers a missing, mismatched or malformed OTP.
	ErrOTPInvalid = errors.New("authflow: invalid otp")
	// ErrOTPExpired means the OTP existed but its expiry has passed.
	ErrOTPExpired = errors.New("authflow: otp expired")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Reason }

// Service wires the auth workflow's collaborators.
type Service struct {
	Docs docstore.Store
	Auth authstore.Store
	Mail mail.Mailer
	JWT  auth.JWTCfg

	// Now overrides the clock for deterministic tests.
	Now func() time.Time
}

// New builds the workflow service.
func New(docs docstore.Store, as authstore.Store, mailer mail.Mailer, jwtCfg auth.JWTCfg) *Service {
	return &Service{Docs: docs, Auth: as, Mail: mailer, JWT: jwtCfg, Now: time.Now}
}

// RegisterRequest is the register endpoint input.
type RegisterRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	PhoneNumber string `json:"phone_number"`
	Role        string `json:"role"`
}

// Register creates the account in the auth store, stamps the role claim, and
// writes the user profile document under the new uid.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return "", &ValidationError{Field: "name", Reason: "required"}
	}
	if !validate.Email(req.Email) {
		return "", &ValidationError{Field: "email", Reason: "invalid email format"}
	}
	if len(req.Password) < 6 {
		return "", &ValidationError{Field: "password", Reason: "must be at least 6 characters"}
	}
	role := req.Role
	if role == "" {
		role = "fieldworker"
	}
	if req.PhoneNumber != "" && !validate.Phone(req.PhoneNumber) {
		return "", &ValidationError{Field: "phone_number", Reason: "invalid phone number"}
	}

	email := authstore.NormalizeEmail(req.Email)
	uid, err := s.Auth.CreateUser(ctx, email, req.Password, req.Name)
	if err != nil {
		return "", err
	}
	if err := s.Auth.SetCustomClaims(ctx, uid, map[string]any{"role": role}); err != nil {
		return "", err
	}

	now := timeutil.RFC3339(s.Now())
	profile := entity.Record{
		"user_id":    uid,
		"name":       req.Name,
		"email":      email,
		"role":       role,
		"created_at": now,
		"updated_at": now,
	}
	if req.PhoneNumber != "" {
		profile["phone_number"] = req.PhoneNumber
	}
	if err := s.Docs.Set(ctx, usersCollection, uid, profile); err != nil {
		return "", err
	}

	log.Info().Str("uid", uid).Str("role", role).Msg("user registered")
	return uid, nil
}

// Login verifies credentials and mints a bearer token carrying the account's
// role claim (default "user").
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	if !validate.Email(email) {
		return "", &ValidationError{Field: "email", Reason: "invalid email format"}
	}
	if password == "" {
		return "", &ValidationError{Field: "password", Reason: "required"}
	}

	uid, err := s.Auth.VerifyPassword(ctx, email, password)
	if err != nil {
		return "", err
	}

	role := "user"
	if u, err := s.Auth.GetUser(ctx, uid); err == nil {
		role = authstore.Role(u)
	}

	token, err := auth.Mint(s.JWT, uid, authstore.NormalizeEmail(email), role, s.Now())
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return token, nil
}

// ForgotPassword issues a fresh OTP for the email and dispatches it by mail.
// Re-requests overwrite the previous OTP.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	if !validate.Email(email) {
		return &ValidationError{Field: "email", Reason: "invalid email format"}
	}
	email = authstore.NormalizeEmail(email)

	if _, err := s.profileByEmail(ctx, email); err != nil {
		return err
	}

	otp, err := randomOTP()
	if err != nil {
		return err
	}
	now := s.Now()
	rec := entity.Record{
		"email":      email,
		"otp":        otp,
		"expires_at": timeutil.RFC3339(now.Add(otpTTL)),
		"updated_at": timeutil.RFC3339(now),
	}
	if err := s.Docs.Set(ctx, otpCollection, email, rec); err != nil {
		return err
	}

	body := fmt.Sprintf("Your password reset code is %d.\n\nIt expires in 10 minutes. If you did not request a reset, ignore this message.", otp)
	if err := s.Mail.Send(ctx, email, "Password reset code", body); err != nil {
		return err
	}
	log.Info().Str("email", email).Msg("password reset otp issued")
	return nil
}

// VerifyOTP checks a submitted code against the stored one. Expiry is exact:
// a code submitted at expires_at is still good, one second later it is not.
func (s *Service) VerifyOTP(ctx context.Context, email string, otp int) error {
	email = authstore.NormalizeEmail(email)
	rec, err := s.Docs.Get(ctx, otpCollection, email)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrOTPInvalid
		}
		return err
	}
	stored, ok := entity.GetNumber(rec, "otp")
	if !ok || int(stored) != otp {
		return ErrOTPInvalid
	}
	expires := timeutil.ToInstant(rec["expires_at"])
	if expires == nil || s.Now().After(*expires) {
		return ErrOTPExpired
	}
	return nil
}

// ResetPassword sets a new password for the account behind the email. The
// profile store is authoritative for who the user is; when the identity
// provider has the account under a different uid (or not at all), the profile
// is re-keyed so that afterwards both sides share one uid and one password.
func (s *Service) ResetPassword(ctx context.Context, email, password, confirm string) error {
	if !validate.Email(email) {
		return &ValidationError{Field: "email", Reason: "invalid email format"}
	}
	if len(password) < 6 {
		return &ValidationError{Field: "password", Reason: "must be at least 6 characters"}
	}
	if password != confirm {
		return &ValidationError{Field: "confirm_password", Reason: "passwords do not match"}
	}
	email = authstore.NormalizeEmail(email)

	profile, err := s.profileByEmail(ctx, email)
	if err != nil {
		return err
	}
	uid := entity.Stringify(profile["user_id"])

	if _, err := s.Auth.GetUser(ctx, uid); err != nil {
		if !errors.Is(err, authstore.ErrNotFound) {
			return err
		}
		uid, err = s.repairUID(ctx, email, password, uid, profile)
		if err != nil {
			return err
		}
	}

	if err := s.Auth.UpdateUser(ctx, uid, authstore.Patch{Password: &password}); err != nil {
		return err
	}
	if err := s.Docs.Update(ctx, usersCollection, uid, entity.Record{
		"updated_at": timeutil.RFC3339(s.Now()),
	}); err != nil {
		return err
	}

	if err := s.Docs.Delete(ctx, otpCollection, email); err != nil {
		log.Warn().Err(err).Str("email", email).Msg("failed to delete otp after reset")
	}

	log.Info().Str("uid", uid).Msg("password reset complete")
	return nil
}

// repairUID reconciles a profile whose user_id the identity provider does not
// know. Either the account exists under a different uid (historical
// divergence) or it is missing entirely; both end with the profile re-keyed
// to the authoritative uid. The delete-then-set pair is idempotent: a crash
// in between leaves the profile absent and the next reset recreates it under
// the correct uid.
func (s *Service) repairUID(ctx context.Context, email, password, staleUID string, profile entity.Record) (string, error) {
	authUser, err := s.Auth.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		log.Warn().
			Str("profile_uid", staleUID).
			Str("auth_uid", authUser.UID).
			Msg("auth/profile uid divergence detected, re-keying profile")
		return authUser.UID, s.rekeyProfile(ctx, staleUID, authUser.UID, profile)
	case errors.Is(err, authstore.ErrNotFound):
		name, _ := entity.GetString(profile, "name")
		newUID, err := s.Auth.CreateUser(ctx, email, password, name)
		if err != nil {
			return "", err
		}
		role, _ := entity.GetString(profile, "role")
		if role == "" {
			role = "user"
		}
		if err := s.Auth.SetCustomClaims(ctx, newUID, map[string]any{"role": role}); err != nil {
			return "", err
		}
		log.Warn().
			Str("profile_uid", staleUID).
			Str("auth_uid", newUID).
			Msg("auth account missing, recreated and re-keying profile")
		return newUID, s.rekeyProfile(ctx, staleUID, newUID, profile)
	default:
		return "", err
	}
}

func (s *Service) rekeyProfile(ctx context.Context, oldUID, newUID string, profile entity.Record) error {
	if oldUID == newUID {
		return nil
	}
	moved := entity.Clone(profile)
	moved["user_id"] = newUID
	moved["updated_at"] = timeutil.RFC3339(s.Now())
	if err := s.Docs.Delete(ctx, usersCollection, oldUID); err != nil {
		return err
	}
	return s.Docs.Set(ctx, usersCollection, newUID, moved)
}

func (s *Service) profileByEmail(ctx context.Context, email string) (entity.Record, error) {
	hits, err := s.Docs.WhereEquals(ctx, usersCollection, "email", email)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ErrProfileNotFound
	}
	return hits[0], nil
}

// randomOTP draws a uniformly random six-digit code.
func randomOTP() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return 0, fmt.Errorf("otp generation: %w", err)
	}
	return int(n.Int64()) + 100000, nil
}
