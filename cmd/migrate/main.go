// Command migrate applies database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/phraseforge/phraseforge/internal/migrate"
	"github.com/phraseforge/phraseforge/migrations"
)

func main() {
	command := flag.String("cmd", "up", "Command: up, down, status, version")
	flag.Parse()

	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dbHost := getEnv("POSTGRES_HOST", "localhost")
		dbPort := getEnv("POSTGRES_PORT", "5432")
		dbUser := getEnv("POSTGRES_USER", "phraseforge")
		dbPass := getEnv("POSTGRES_PASSWORD", "")
		dbName := getEnv("POSTGRES_DB", "phraseforge")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPass, dbHost, dbPort, dbName)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, log)

	switch *command {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "version":
		var version int64
		version, err = migrator.Version(ctx)
		if err == nil {
			fmt.Printf("database version: %d\n", version)
		}
	case "create":
		name := flag.Arg(0)
		if name == "" {
			fmt.Println("Usage: migrate -cmd create <name>")
			os.Exit(1)
		}
		goose.SetBaseFS(migrations.FS)
		err = goose.Create(nil, "migrations", name, "sql")
	default:
		fmt.Printf("unknown command %q (want up, down, status, version, create)\n", *command)
		os.Exit(1)
	}

	if err != nil {
		log.Error("migration command failed",
			slog.String("cmd", *command),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
