package main

import (
	"os"

	"github.com/nimasrn/support-desk/internal/config"
	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/nimasrn/support-desk/pkg/pg"
)

const defaultMigrationDir = "./migrations"

// main.go --env=.env --dir=./migrations
func main() {
	defer logger.Sync()
	logger.SetService("support-cli")

	if err := config.Load(config.EnvPathFromArgs(os.Args, ".env")); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	dir := config.ArgValue(os.Args, "dir")
	if dir == "" {
		dir = defaultMigrationDir
	}
	if _, err := os.Stat(dir); err != nil {
		logger.Error("migration directory not readable", "dir", dir, "error", err)
		os.Exit(1)
	}

	if err := pg.Migrate(config.Get().PostgresWrite(), dir); err != nil {
		logger.Error("migration: error running migrations", "error", err)
		os.Exit(1)
	}
}
