// Database migration CLI tool
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/equityfunk/internal/config"
	"github.com/ajitpratap0/equityfunk/internal/db"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or status")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL")
	configPath := flag.String("config", "", "Config file supplying the database section when -db is empty")
	migrationsDir := flag.String("migrations", "migrations", "Path to migrations directory")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if *dbURL == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		*dbURL = cfg.Database.GetDSN()
	}

	database, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database connection")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}

	migrator := db.NewMigrator(database, *migrationsDir)

	switch *command {
	case "migrate":
		if _, err := migrator.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Status check failed")
		}
		fmt.Println("VERSION | STATUS  | DESCRIPTION")
		fmt.Println("--------|---------|-----------------------------------")
		for _, s := range statuses {
			status := "pending"
			if s.Applied {
				status = "applied"
			}
			fmt.Printf("%-7d | %-7s | %s\n", s.Version, status, s.Description)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		fmt.Fprintf(os.Stderr, "Usage: migrate -command=[migrate|status]\n")
		os.Exit(1)
	}
}
