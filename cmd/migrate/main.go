package main

import (
	"go.uber.org/zap"

	"github.com/SirClappington/pdfq/internal/config"
	"github.com/SirClappington/pdfq/internal/logging"
	"github.com/SirClappington/pdfq/internal/storage"
)

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.AppEnv)
	defer func() { _ = logger.Sync() }()

	if err := storage.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	logger.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
}
