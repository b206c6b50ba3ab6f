// Package main provides the entry point for the PhraseForge API server
//
// @title PhraseForge API
// @version 0.3.0
// @description Asynchronous PDF to normalized French sentence pipeline
// @host localhost:5300
// @BasePath /
// @schemes http https
//
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Bearer access token (format: "Bearer <token>")
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/phraseforge/phraseforge/domain/credits"
	"github.com/phraseforge/phraseforge/domain/health"
	"github.com/phraseforge/phraseforge/domain/jobs"
	"github.com/phraseforge/phraseforge/domain/progress"
	"github.com/phraseforge/phraseforge/domain/scheduler"
	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/internal/database"
	"github.com/phraseforge/phraseforge/internal/queue"
	"github.com/phraseforge/phraseforge/internal/server"
	"github.com/phraseforge/phraseforge/internal/storage"
	"github.com/phraseforge/phraseforge/pkg/auth"
	"github.com/phraseforge/phraseforge/pkg/linguist"
	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/normalize"
	"github.com/phraseforge/phraseforge/pkg/pdftext"
)

func main() {
	// Load .env files if present (for local development)
	// Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load("../../.env")
	_ = godotenv.Overload("../../.env.local")

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		server.Module,
		storage.Module,

		// Auth module
		auth.Module,

		// Pipeline clients
		pdftext.Module,
		linguist.Module,
		normalize.Module,

		// Domain modules
		health.Module,
		credits.Module,
		jobs.Module,
		progress.Module,

		// Background processing
		queue.Module,
		scheduler.Module,
	).Run()
}
