package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fieldlink/fieldlink-api/internal/auth"
	"github.com/fieldlink/fieldlink-api/internal/authflow"
	"github.com/fieldlink/fieldlink-api/internal/authstore"
)

// writeAuthError maps workflow errors onto the auth endpoints' status codes.
func writeAuthError(w http.ResponseWriter, err error) {
	var verr *authflow.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   verr.Reason,
			"field":   verr.Field,
		})
	case errors.Is(err, authstore.ErrEmailExists):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, authstore.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, authflow.ErrProfileNotFound), errors.Is(err, authstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "no account found for that email")
	case errors.Is(err, authflow.ErrOTPInvalid):
		writeError(w, http.StatusBadRequest, "invalid otp")
	case errors.Is(err, authflow.ErrOTPExpired):
		writeError(w, http.StatusBadRequest, "otp expired")
	default:
		log.Error().Err(err).Msg("auth workflow failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Register handles POST /api/register
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req authflow.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	uid, err := s.Flow.Register(r.Context(), req)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "user registered",
		"user_id": uid,
	})
}

// Login handles POST /api/login
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	token, err := s.Flow.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"token":     token,
		"expiresIn": "2h",
	})
}

// ForgotPassword handles POST /api/forgot-password
func (s *Server) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := s.Flow.ForgotPassword(r.Context(), req.Email); err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "password reset code sent",
	})
}

// VerifyOTP handles POST /api/verify-otp
func (s *Server) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		OTP   int    `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := s.Flow.VerifyOTP(r.Context(), req.Email, req.OTP); err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "otp verified",
	})
}

// ResetPassword handles POST /api/reset-password
func (s *Server) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := s.Flow.ResetPassword(r.Context(), req.Email, req.Password, req.ConfirmPassword); err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "password reset",
	})
}

// TestProtected handles GET /api/test-protected
// Echoes the bearer token's claims; used by clients to verify connectivity
// and token validity before starting a sync session.
func (s *Server) TestProtected(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"uid":     auth.UserID(r.Context()),
		"email":   auth.Email(r.Context()),
		"role":    auth.Role(r.Context()),
	})
}
