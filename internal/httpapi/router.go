package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink/fieldlink-api/internal/auth"
	"github.com/fieldlink/fieldlink-api/internal/authflow"
	"github.com/fieldlink/fieldlink-api/internal/docstore"
	"github.com/fieldlink/fieldlink-api/internal/syncengine"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Engine *syncengine.Engine
	Flow   *authflow.Service
	Docs   docstore.Store
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

// Routes creates the HTTP router with the auth, sync and down-sync surfaces
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)
	r.Use(DeviceMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		// Auth workflow
		r.Post("/register", s.Register)
		r.Post("/login", s.Login)
		r.Post("/forgot-password", s.ForgotPassword)
		r.Post("/verify-otp", s.VerifyOTP)
		r.Post("/reset-password", s.ResetPassword)

		// User sync stays open: enrollment devices push the profile before
		// their first login.
		r.Post("/sync/user", s.SyncEntity)
		r.Post("/sync/user/resolve-conflict", s.ResolveEntity)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(jwt))

			r.Get("/test-protected", s.TestProtected)

			r.Post("/sync/{kind}", s.SyncEntity)
			r.Post("/sync/{kind}/resolve-conflict", s.ResolveEntity)

			r.Get("/down-sync/{kind}", s.DownSync)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
