package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/solardome/vuln-importer/internal/config"
	"github.com/solardome/vuln-importer/internal/mapping"
	"github.com/solardome/vuln-importer/internal/store"
)

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	level  slog.Level
	logger *slog.Logger
	store  store.Store
}

func newApp(ctx context.Context, debug bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if cfg.EnvFile != "" {
		logger.Debug("loaded environment file", "path", cfg.EnvFile)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, level: level, logger: logger, store: st}, nil
}

func (a *app) close() {
	a.store.Close()
}

// openStore connects to Postgres, or builds an in-process store with the
// built-in seed applied when DATABASE_URL is "memory".
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if !cfg.UsesMemoryStore() {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		return pg, nil
	}

	mem := store.NewMemory()
	seed, err := mapping.DefaultSeed()
	if err != nil {
		return nil, err
	}
	res, err := mapping.ApplySeed(ctx, mem, seed, mapping.ApplyOptions{})
	if err != nil {
		return nil, fmt.Errorf("seed memory store: %w", err)
	}
	logger.Info("using in-process store", "integration", res.Integration,
		"field_mappings", res.FieldMappings, "severity_mappings", res.SeverityMappings)
	return mem, nil
}
