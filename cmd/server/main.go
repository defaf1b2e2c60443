package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink/fieldlink-api/internal/auth"
	"github.com/fieldlink/fieldlink-api/internal/authflow"
	"github.com/fieldlink/fieldlink-api/internal/authstore"
	"github.com/fieldlink/fieldlink-api/internal/db"
	"github.com/fieldlink/fieldlink-api/internal/docstore"
	"github.com/fieldlink/fieldlink-api/internal/httpapi"
	"github.com/fieldlink/fieldlink-api/internal/mail"
	"github.com/fieldlink/fieldlink-api/internal/syncengine"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "fieldlink-api").Logger()

	dev := env("ENV", "dev") == "dev"

	// Pretty logging for local dev
	if dev {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Database connection
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Bootstrap(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	docs := docstore.NewPG(pool)
	accounts := authstore.NewPG(pool)

	var mailer mail.Mailer
	if addr := env("SMTP_ADDR", ""); addr != "" {
		mailer = &mail.SMTP{
			Addr: addr,
			From: env("SMTP_FROM", "no-reply@fieldlink.local"),
			User: env("SMTP_USER", ""),
			Pass: env("SMTP_PASS", ""),
		}
	} else {
		if !dev {
			log.Warn().Msg("SMTP_ADDR not set, password reset mails will only be logged")
		}
		mailer = &mail.Log{}
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_SECRET", "dev-secret-change-in-production"),
		DevMode:     dev && env("DEV_AUTH_BYPASS", "") == "1",
	}

	srv := &httpapi.Server{
		Engine: syncengine.New(docs, accounts),
		Flow:   authflow.New(docs, accounts, mailer, jwtCfg),
		Docs:   docs,
	}

	httpAddr := ":" + env("PORT", "5000")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
