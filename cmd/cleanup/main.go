package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/m0rjc/WatchBridge/internal/config"
	"github.com/m0rjc/WatchBridge/internal/db"
	"github.com/m0rjc/WatchBridge/internal/db/linksession"
	"github.com/m0rjc/WatchBridge/internal/logging"
	"github.com/m0rjc/goconfig"
	"github.com/spf13/pflag"
)

func main() {
	// Initialize structured logging
	logging.InitLogger()

	// Parse command line flags
	flags := pflag.NewFlagSet("cleanup", pflag.ContinueOnError)
	retentionDays := flags.Int("retention-days", 14, "Days to retain closed link sessions")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("invalid arguments", "error", err)
		os.Exit(2)
	}
	if *retentionDays < 1 {
		slog.Error("retention must be at least one day", "retention_days", *retentionDays)
		os.Exit(2)
	}

	slog.Info("starting link session cleanup",
		"retention_days", *retentionDays,
	)

	// Load minimal configuration (only database and Redis)
	cfg, err := config.LoadMinimal(context.Background())
	if err != nil {
		goconfig.LogError(slog.Default(), err, goconfig.WithLogMessage("failed to load configuration"))
		os.Exit(1)
	}

	// Initialize database connection
	dbConn, err := db.NewPostgresConnection(cfg.Database.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	conns := db.NewConnections(dbConn, nil)
	defer conns.Close()

	slog.Info("database connection established")

	cutoff := time.Now().Add(-time.Duration(*retentionDays) * 24 * time.Hour)
	deleted, err := linksession.DeleteOlderThan(conns, cutoff)
	if err != nil {
		slog.Error("failed to delete old link sessions", "error", err)
		conns.Close()
		os.Exit(1)
	}

	slog.Info("link session cleanup completed successfully",
		"deleted", deleted,
		"cutoff", cutoff,
	)
}
