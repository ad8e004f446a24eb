package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"

	"github.com/noah-isme/enrollpay/db/migrations"
	"github.com/noah-isme/enrollpay/internal/app"
	"github.com/noah-isme/enrollpay/internal/obs"
)

func main() {
	_ = godotenv.Load()

	dbURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
	logFormat := flag.String("log-format", "console", "log format: json or console")
	flag.Parse()

	logger := obs.NewLogger("enrollpay-migrate", *logFormat, "info")
	if *dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}
	if err := app.RunMigrations(*dbURL, migrations.FS, logger); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}
}
